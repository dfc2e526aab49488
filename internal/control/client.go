package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/0xPuncker/fleetcron/pkg/types"
)

// Client sends requests over one text-protocol connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}, nil
}

// Do sends one request and waits for its response line.
func (c *Client) Do(ctx context.Context, method string, args any) (*types.ControlResponse, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	line, err := json.Marshal(types.ControlRequest{Method: method, Args: raw})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	reply, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var resp types.ControlResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return &resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
