package delivery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReplyFunc observes the reply of a submitted request.
type ReplyFunc func(req Request, resp *Response, err error)

type Client struct {
	addr         string
	codec        Codec
	dialTimeout  time.Duration
	replyTimeout time.Duration
	logger       *logrus.Logger
	onReply      ReplyFunc
}

type ClientOption func(*Client)

func WithCodec(codec Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithReplyTimeout bounds how long a submitted request waits for its reply.
func WithReplyTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.replyTimeout = d }
}

func WithReplyHandler(fn ReplyFunc) ClientOption {
	return func(c *Client) { c.onReply = fn }
}

func NewClient(addr string, logger *logrus.Logger, opts ...ClientOption) *Client {
	c := &Client{
		addr:         addr,
		codec:        JSONCodec{},
		dialTimeout:  5 * time.Second,
		replyTimeout: time.Hour,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) send(ctx context.Context, req *Request) (net.Conn, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial worker pool %s: %w", c.addr, err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := WriteFrame(conn, c.codec, req); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Submit returns once the request frame is written. The reply is read in the
// background and only logged.
func (c *Client) Submit(ctx context.Context, req Request) error {
	conn, err := c.send(ctx, &req)
	if err != nil {
		return err
	}

	go func() {
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(c.replyTimeout))

		var resp Response
		err := ReadFrame(conn, c.codec, &resp)
		c.logReply(req, &resp, err)
		if c.onReply != nil {
			if err != nil {
				c.onReply(req, nil, err)
			} else {
				c.onReply(req, &resp, nil)
			}
		}
	}()
	return nil
}

// Call performs a synchronous round trip.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	conn, err := c.send(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(c.replyTimeout))
	}

	var resp Response
	if err := ReadFrame(conn, c.codec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) logReply(req Request, resp *Response, err error) {
	fields := logrus.Fields{
		"request_id": req.ID,
		"class":      req.Class,
		"method":     req.Method,
	}
	if err != nil {
		c.logger.WithFields(fields).WithField("error", err.Error()).Warn("No reply from worker pool")
		return
	}
	fields["code"] = resp.Code
	fields["msg"] = resp.Msg
	if resp.Code == CodeSuccess {
		c.logger.WithFields(fields).Info("Worker pool reply")
	} else {
		c.logger.WithFields(fields).Warn("Worker pool reported failure")
	}
}
