package remote

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	User           string
	Port           int
	KeyPath        string
	Password       string
	KnownHostsPath string
	// InsecureIgnoreHostKey disables host key verification. Lab use only.
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// SSHTransport runs commands over a fresh SSH session per call.
type SSHTransport struct {
	cfg      SSHConfig
	auth     []ssh.AuthMethod
	hostKeys ssh.HostKeyCallback
	dialer   net.Dialer
}

// NewSSHTransport loads credentials and the host key policy once.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		pem, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read ssh key %s", cfg.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ssh key %s", cfg.KeyPath)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.WithHint(errors.New("ssh transport has no credentials"), "set remote.ssh.key_path or remote.ssh.password")
	}

	var hostKeys ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKeys = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsPath != "":
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrapf(err, "load known_hosts %s", cfg.KnownHostsPath)
		}
		hostKeys = cb
	default:
		return nil, errors.WithHint(errors.New("ssh transport has no host key policy"), "set remote.ssh.known_hosts")
	}

	return &SSHTransport{
		cfg:      cfg,
		auth:     auth,
		hostKeys: hostKeys,
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout},
	}, nil
}

// Execute dials target, runs command and returns its exit status. Dial, handshake
// and session failures are marked ErrConnectivity. A command still running when
// ctx or timeout ends is killed and marked ErrTimeout. Non-zero exits are not errors.
func (t *SSHTransport) Execute(ctx context.Context, target models.Target, command string, timeout time.Duration) (CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	user := target.User
	if user == "" {
		user = t.cfg.User
	}
	port := target.Port
	if port == 0 {
		port = t.cfg.Port
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	dialCtx, cancelDial := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	conn, err := t.dialer.DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return CommandResult{}, errors.Mark(errors.Wrapf(err, "dial %s", addr), errors.ErrConnectivity)
	}
	// bound the handshake by the connect timeout as well
	_ = conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            t.auth,
		HostKeyCallback: t.hostKeys,
		Timeout:         t.cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return CommandResult{}, errors.Mark(errors.Wrapf(err, "ssh handshake %s", addr), errors.ErrConnectivity)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, errors.Mark(errors.Wrapf(err, "open session %s", addr), errors.ErrConnectivity)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String()},
			errors.Mark(errors.Wrapf(ctx.Err(), "run on %s", addr), errors.ErrTimeout)
	case err := <-done:
		res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, errors.Wrapf(err, "run on %s", addr)
	}
}
