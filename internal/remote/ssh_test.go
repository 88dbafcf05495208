package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// sshHost is an in-process SSH server with a few scripted commands.
type sshHost struct {
	addr    string
	hostKey ssh.PublicKey
	signals chan string
}

func startSSHHost(t *testing.T) *sshHost {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "patch" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	h := &sshHost{addr: ln.Addr().String(), hostKey: signer.PublicKey(), signals: make(chan string, 4)}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go h.serve(nc, cfg)
		}
	}()
	return h
}

func (h *sshHost) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go h.session(ch, creqs)
	}
}

func (h *sshHost) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var exec struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &exec); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		switch exec.Command {
		case "uname -r":
			_, _ = io.WriteString(ch, "6.1.0-21-amd64\n")
			exitStatus(ch, 0)
		case "yum -y -q update":
			_, _ = io.WriteString(ch.Stderr(), "Error: Failed to download metadata\n")
			exitStatus(ch, 3)
		case "sleep 600":
			for r := range reqs {
				if r.Type == "signal" {
					var sig struct{ Signal string }
					_ = ssh.Unmarshal(r.Payload, &sig)
					h.signals <- sig.Signal
					return
				}
			}
		default:
			exitStatus(ch, 127)
		}
		return
	}
}

func exitStatus(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func (h *sshHost) target(t *testing.T) models.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(h.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return models.Target{Name: "web01", Address: host, Port: p}
}

func (h *sshHost) transport(t *testing.T, cfg SSHConfig) *SSHTransport {
	t.Helper()
	if cfg.KnownHostsPath == "" && !cfg.InsecureIgnoreHostKey {
		cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{h.addr}, h.hostKey) + "\n"
		require.NoError(t, os.WriteFile(cfg.KnownHostsPath, []byte(line), 0o600))
	}
	if cfg.User == "" {
		cfg.User = "patch"
	}
	if cfg.Password == "" {
		cfg.Password = "secret"
	}
	cfg.ConnectTimeout = 2 * time.Second
	tr, err := NewSSHTransport(cfg)
	require.NoError(t, err)
	return tr
}

func TestSSHExitStatus(t *testing.T) {
	h := startSSHHost(t)
	tr := h.transport(t, SSHConfig{})
	ctx := context.Background()

	res, err := tr.Execute(ctx, h.target(t), "uname -r", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "6.1.0-21-amd64\n", res.Stdout)

	res, err = tr.Execute(ctx, h.target(t), "yum -y -q update", 5*time.Second)
	require.NoError(t, err, "a non-zero exit is a result")
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "Failed to download metadata")

	res, err = tr.Execute(ctx, h.target(t), "needs-restarting -r", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
}

func TestSSHTimeoutKillsCommand(t *testing.T) {
	h := startSSHHost(t)
	tr := h.transport(t, SSHConfig{})

	_, err := tr.Execute(context.Background(), h.target(t), "sleep 600", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, errors.ErrConnectivity))

	select {
	case sig := <-h.signals:
		assert.Equal(t, string(ssh.SIGKILL), sig)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not killed")
	}
}

func TestSSHConnectionFailures(t *testing.T) {
	h := startSSHHost(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	down := h.target(t)
	down.Port = closed
	_, err = h.transport(t, SSHConfig{}).Execute(context.Background(), down, "uname -r", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectivity), "%v", err)
	assert.Contains(t, err.Error(), "dial")

	_, err = h.transport(t, SSHConfig{Password: "wrong"}).Execute(context.Background(), h.target(t), "uname -r", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectivity))
	assert.Contains(t, err.Error(), "handshake")

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherKey)
	require.NoError(t, err)
	hosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(hosts, []byte(knownhosts.Line([]string{h.addr}, otherSigner.PublicKey())+"\n"), 0o600))
	_, err = h.transport(t, SSHConfig{KnownHostsPath: hosts}).Execute(context.Background(), h.target(t), "uname -r", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestNewSSHTransportRequiresPolicy(t *testing.T) {
	_, err := NewSSHTransport(SSHConfig{User: "patch"})
	assert.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = NewSSHTransport(SSHConfig{User: "patch", Password: "secret"})
	assert.Error(t, err)

	_, err = NewSSHTransport(SSHConfig{User: "patch", Password: "secret", InsecureIgnoreHostKey: true})
	assert.NoError(t, err)
}
