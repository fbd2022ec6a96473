// Package transport carries the master and worker RPCs over net/rpc.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"DistMR/internal/logger"
)

// ErrTimeout is returned when a call gets no reply within the client timeout.
var ErrTimeout = errors.New("rpc call timed out")

type ServerOpts struct {
	ID      string
	Network string // "tcp" (default) or "unix"
	Addr    string // "127.0.0.1:0" picks a free port
	Logger  *logger.Logger
}

// Server accepts RPC connections and serves them with a private rpc.Server.
type Server struct {
	opts   ServerOpts
	rpcs   *rpc.Server
	logger *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("")
	}
	return &Server{
		opts:   opts,
		rpcs:   rpc.NewServer(),
		logger: lg.Named("rpc"),
	}
}

// Register publishes the methods of rcvr under name, e.g. "Worker".
func (s *Server) Register(name string, rcvr interface{}) error {
	if err := s.rpcs.RegisterName(name, rcvr); err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	return nil
}

// Start listens on the configured address and serves connections until Close.
func (s *Server) Start() error {
	l, err := net.Listen(s.opts.Network, s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("%s listening on %s", s.opts.ID, l.Addr())

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("%s accept failed: %v", s.opts.ID, err)
			}
			return
		}
		go s.rpcs.ServeConn(conn)
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Close stops accepting connections. Calls already in progress finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed || s.listener == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	err := l.Close()
	s.wg.Wait()
	s.logger.Debug("%s stopped", s.opts.ID)
	return err
}

// Client dials one connection per call, the way the lab call() helpers do.
type Client struct {
	Network string
	Timeout time.Duration // zero means wait for the reply indefinitely
}

// Call invokes method on the server at addr and waits for the reply, the
// client timeout or ctx, whichever comes first.
func (c *Client) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	network := c.Network
	if network == "" {
		network = "tcp"
	}

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	client := rpc.NewClient(conn)
	defer client.Close()

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-call.Done:
		if call.Error != nil {
			return fmt.Errorf("%s on %s: %w", method, addr, call.Error)
		}
		return nil
	case <-timeout:
		return fmt.Errorf("%s on %s: %w", method, addr, ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s on %s: %w", method, addr, ctx.Err())
	}
}
