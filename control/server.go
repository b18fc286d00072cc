package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"
)

// Handler processes one control request. Implemented by the daemon core.
type Handler interface {
	Handle(req Request) Response
}

// Server accepts control connections on a unix socket and dispatches
// requests to a Handler. Connections are served concurrently; the
// handler is responsible for its own serialization.
type Server struct {
	socketPath string
	handler    Handler
	listener   net.Listener
}

const requestTimeout = 30 * time.Second

// NewServer binds the unix socket at socketPath, replacing a stale socket
// file left behind by a crashed daemon. Single-instance enforcement is
// the daemon lock's job, so an existing socket file here is always stale.
func NewServer(socketPath string, handler Handler) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to bind control socket: %w", err)
	}

	return &Server{socketPath: socketPath, handler: handler, listener: listener}, nil
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control accept failed: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	if rerr := os.Remove(s.socketPath); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Printf("control: bad request: %v", err)
		_ = json.NewEncoder(conn).Encode(Response{OK: false, Error: "malformed request", Code: CodeInternal})
		return
	}

	resp := s.handler.Handle(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Printf("control: failed to write response: %v", err)
	}
}
