package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/gchat/internal/config"
	"github.com/tehcyx/gchat/pkg/version"
)

// maxLineLen bounds one received line, terminator included. A client that
// sends more without a newline is disconnected.
const maxLineLen = 4096

// Server accepts chat clients and runs one handler task per connection.
type Server struct {
	cfg      *config.Config
	registry *Registry
	presence Presence

	// ctx parents every client context; cancel stops all handler tasks
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	handlers sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPresence mirrors nicknames and broadcasts to p.
func WithPresence(p Presence) Option {
	return func(s *Server) { s.presence = p }
}

// New creates a server for cfg. Nothing is listening until Serve is called.
func New(cfg *config.Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the client registry.
func (s *Server) Registry() *Registry { return s.registry }

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen failed, port possibly in use already: %w", err)
	}
	return s.Serve(ln)
}

// Serve runs the acceptor loop on ln until Shutdown or an accept error. An
// accept error ends the loop; there is no retry.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	log.Infof("%s %s accepting connections on %s", s.cfg.Server.Name, version.GetVersion(), ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			log.Errorf("Failed to accept connection: %v", err)
			return fmt.Errorf("accepting connection: %w", err)
		}

		c := NewClient(s.ctx, conn)

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			c.Close()
			return ErrServerClosed
		}
		if err := s.registry.Insert(c); err != nil {
			s.mu.Unlock()
			log.Errorf("Failed to register client %s: %v", c.addr, err)
			c.Close()
			continue
		}
		s.handlers.Add(1)
		s.mu.Unlock()

		s.clientLog(c).Infof("Client connected, %d registered", s.registry.Len())
		go s.handleClient(c)
	}
}

// handleClient is the handler task for c: it receives lines until the client
// quits, the connection fails, or the task is cancelled.
func (s *Server) handleClient(c *Client) {
	defer s.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			s.clientLog(c).Errorf("Panic in client handler: %v", r)
		}
		s.teardown(c, !s.isClosing())
	}()

	clog := s.clientLog(c)
	reader := bufio.NewReaderSize(c.conn, maxLineLen)

	for {
		select {
		case <-c.ctx.Done():
			clog.Debugf("Handler cancelled")
			return
		default:
		}

		if timeout := s.cfg.Server.IdleTimeout; timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		raw, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			clog.Warnf("Line exceeds %d bytes, closing connection", maxLineLen)
			return
		}
		line := string(raw)
		if len(line) > 0 {
			c.bytesReceived.Add(uint64(len(line)))
			if s.handleLine(c, line) == Terminated {
				return
			}
		}

		if err != nil {
			s.logReceiveError(c, err)
			return
		}
	}
}

func (s *Server) logReceiveError(c *Client, err error) {
	clog := s.clientLog(c)

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		clog.Infof("Client hung up")
	case errors.Is(err, net.ErrClosed) || c.Closed():
		clog.Debugf("Connection closed while receiving")
	case errors.As(err, &netErr) && netErr.Timeout():
		clog.Infof("Client idle for %s, closing connection", s.cfg.Server.IdleTimeout)
	default:
		clog.Warnf("An error occured, now closing connection to client socket. Error: %v", err)
	}
}

// teardown marks c disconnected, optionally announces its departure, removes
// it from the registry and closes its socket. Every step is idempotent so
// QUIT, a failed HELO and the handler's exit may all call it.
func (s *Server) teardown(c *Client, announce bool) {
	if announce {
		s.announceLeave(c)
	}
	nick, _ := s.registry.Disconnect(c)
	c.state = Terminated

	removed := true
	if _, err := s.registry.Remove(ByID(c.identifier)); errors.Is(err, ErrClientNotFound) {
		removed = false
	}
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.clientLog(c).Debugf("Closing connection: %v", err)
	}

	if nick != "" {
		id := c.identifier.String()
		// a failed release keeps the member record, so the store can still
		// find and free the claim later
		s.withPresence(c, func(ctx context.Context, p Presence) error {
			if err := p.ReleaseNick(ctx, id, nick); err != nil {
				return err
			}
			return p.UnregisterMember(ctx, id)
		})
	}

	if removed {
		s.clientLog(c).Infof("Client disconnected after %d bytes in, %d bytes out; %d registered",
			c.BytesReceived(), c.BytesSent(), s.registry.Len())
	}
}

// Shutdown stops accepting, sends the forced-disconnect notice to every
// client, closes their sockets and waits for all handler tasks to exit or ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	n := 0
	s.registry.ForEach(func(c *Client) {
		c.Send(RplShutdown)
		c.Close()
		n++
	})
	log.Infof("Disconnected %d clients", n)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for client handlers: %w", ctx.Err())
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) clientLog(c *Client) *log.Entry {
	return log.WithFields(log.Fields{"client": c.identifier, "addr": c.addr})
}
