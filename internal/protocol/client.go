package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Client issues one-shot requests against a daemon socket. Each call
// dials a fresh connection, matching the server's connection-per-
// request model.
type Client struct {
	path     string
	encoding Encoding
	timeout  time.Duration
}

// NewClient builds a client for the socket at path using the given
// request encoding.
func NewClient(path string, enc Encoding) *Client {
	return &Client{path: path, encoding: enc, timeout: connTimeout}
}

// Do sends one request and decodes the reply.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	raw, err := EncodeRequest(req, c.encoding)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	// Half-close signals end of request; the server reads to EOF.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write side: %w", err)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty response from %s", c.path)
	}
	return DecodeResponse(reply)
}

// GetStats fetches the latest snapshot.
func (c *Client) GetStats(ctx context.Context) (*StatsPayload, error) {
	resp, err := c.Do(ctx, Request{Op: OpGetStats})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Stats == nil {
		return nil, fmt.Errorf("unexpected response shape for GetStats")
	}
	return resp.Stats, nil
}

// SetControl applies a control value, passing the shared secret when
// the daemon requires one.
func (c *Client) SetControl(ctx context.Context, name, value, token string) (*ControlInfo, error) {
	resp, err := c.Do(ctx, Request{Op: OpSetControl, Control: name, Value: value, Token: token})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.ControlState == nil {
		return nil, fmt.Errorf("unexpected response shape for SetControl")
	}
	return resp.ControlState, nil
}
