package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
)

// MaxLineSize caps one request line.
const MaxLineSize = 4 << 20

// TCPServer speaks the text protocol: one JSON request per line, one JSON
// response per line, on a connection that stays open between requests.
type TCPServer struct {
	service *Service
	logger  *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewTCPServer(service *Service, logger *logrus.Logger) *TCPServer {
	return &TCPServer{
		service: service,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (s *TCPServer) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is cancelled. Open connections are
// closed on shutdown.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server is not listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("Job control listening")

	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Control accept failed: %v", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := s.service.HandleRaw(ctx, line)
		if err := enc.Encode(resp); err != nil {
			s.logger.WithFields(logrus.Fields{
				"remote_ip": conn.RemoteAddr().String(),
				"error":     err.Error(),
			}).Warn("Failed to write control response")
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			_ = enc.Encode(types.ControlResponse{Code: types.CodeBadRequest, Msg: "request line too long"})
		}
		s.logger.WithField("remote_ip", conn.RemoteAddr().String()).Debugf("Control connection closed: %v", err)
	}
}
