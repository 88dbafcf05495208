package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/api"
	"github.com/devghori1264/quarterpatch/internal/errors"
)

// client talks to the patchd admin API.
type client struct {
	base string
	http *http.Client
	log  *zap.SugaredLogger
}

func newClient(base string, timeout time.Duration, log *zap.SugaredLogger) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// do sends in as JSON and decodes a 2xx body into out. Error replies become
// errors carrying the server's hints.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "%s %s", method, path),
			"is patchd running? set --server or PATCHCTL_SERVER")
	}
	defer resp.Body.Close()
	c.log.Debugw("request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			return errors.Newf("%s %s: %s", method, path, resp.Status)
		}
		err := errors.Newf("%s (%s)", e.Error, resp.Status)
		if e.Kind != "" {
			err = errors.WithDetailf(err, "kind %s", e.Kind)
		}
		for _, h := range e.Hints {
			err = errors.WithHint(err, h)
		}
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}

func serverPath(name, action string) string {
	p := "/api/v1/servers/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

func quarterClosePath(q int) string {
	return fmt.Sprintf("/api/v1/quarters/%d/close", q)
}
