package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning is returned when nothing is listening on the socket.
var ErrDaemonNotRunning = errors.New("fieldagent daemon is not running")

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w at %s (start it with: fieldagent daemon): %v",
			ErrDaemonNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// Call sends command and decodes a successful response into out (which may be nil).
// A failed response is returned as *ErrorDetail.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	resp, err := c.SendCommand(ctx, command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed without error detail"}
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}

// ErrorCode extracts the daemon error code from err, or "" when err did not come from the daemon.
func ErrorCode(err error) string {
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail.Code
	}
	return ""
}
