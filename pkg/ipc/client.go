package ipc

import (
	"fmt"
	"net"
	"time"
)

// Client is a thin synchronous request/response client over one persistent
// connection to a Server's Unix socket, used by cmd/evtracectl.
type Client struct {
	conn net.Conn
	dec  *FrameDecoder
}

// Dial connects to socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, dec: NewFrameDecoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one command and decodes its response into dst. dst must be a
// pointer to the expected response type unless the server replies with
// CommandError, in which case Call returns that error message.
func (c *Client) Call(kind CommandKind, payload any, dst any) error {
	if err := WriteFrame(c.conn, kind, payload); err != nil {
		return fmt.Errorf("ipc: write request: %w", err)
	}

	frame, err := c.dec.ReadFrame()
	if err != nil {
		return fmt.Errorf("ipc: read response: %w", err)
	}

	respKind, err := ProbeCommandKind(frame)
	if err != nil {
		return err
	}
	if respKind == CommandError {
		var errResp ErrorResponse
		if err := DecodePayload(frame, &errResp); err != nil {
			return err
		}
		return fmt.Errorf("ipc: server error: %s", errResp.Error)
	}

	if dst == nil {
		return nil
	}
	return DecodePayload(frame, dst)
}
