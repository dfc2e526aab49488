package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/0xPuncker/fleetcron/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Server is the worker side: it answers one request per connection, running
// at most Count handlers at a time.
type Server struct {
	registry    *Registry
	codec       Codec
	logger      *logrus.Logger
	metrics     *metrics.Registry
	sem         *semaphore.Weighted
	readTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Count       int
	Codec       Codec
	ReadTimeout time.Duration
	Metrics     *metrics.Registry
}

func NewServer(registry *Registry, cfg ServerConfig, logger *logrus.Logger) *Server {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Server{
		registry:    registry,
		codec:       cfg.Codec,
		logger:      logger,
		metrics:     cfg.Metrics,
		sem:         semaphore.NewWeighted(int64(cfg.Count)),
		readTimeout: cfg.ReadTimeout,
	}
}

// Listen binds addr. Serve must be called to start accepting.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("worker listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is cancelled, then waits for in-flight
// invocations to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("worker server is not listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.WithFields(logrus.Fields{
		"addr":  ln.Addr().String(),
		"codec": s.codec.Name(),
	}).Info("Delivery worker pool listening")

	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Worker accept failed: %v", err)
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var req Request
	if err := ReadFrame(conn, s.codec, &req); err != nil {
		s.logger.WithFields(logrus.Fields{
			"remote_ip": conn.RemoteAddr().String(),
			"error":     err.Error(),
		}).Warn("Dropping malformed delivery request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	start := time.Now()
	resp := s.registry.Invoke(ctx, &req)
	elapsed := time.Since(start)

	s.metrics.ObserveWorker(req.Class, resp.Code, elapsed)

	entry := s.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"class":      req.Class,
		"method":     req.Method,
		"code":       resp.Code,
		"duration":   utils.FormatDuration(elapsed),
	})
	if resp.Code == CodeSuccess {
		entry.Info("Delivery request completed")
	} else {
		entry.WithField("msg", resp.Msg).Warn("Delivery request failed")
	}

	if err := WriteFrame(conn, s.codec, &resp); err != nil {
		s.logger.Errorf("Failed to reply to %s: %v", conn.RemoteAddr(), err)
	}
}
