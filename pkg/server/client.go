// Package server provides the chat server: client registry, protocol handling and broadcast.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the position of a client in the HELO/NICK/QUIT protocol.
type State int

const (
	// Ungreeted clients have connected but not sent HELO.
	Ungreeted State = iota
	// Greeted clients sent HELO and take part in the chat.
	Greeted
	// Terminated clients quit or were torn down. There is no way back.
	Terminated
)

func (s State) String() string {
	switch s {
	case Ungreeted:
		return "UNGREETED"
	case Greeted:
		return "GREETED"
	case Terminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Client represents one accepted connection.
// nick and connected are visible to broadcasts and are only written while
// holding the registry lock; nick is additionally guarded by mu so it can be
// read from outside the registry. state belongs to the client's handler task.
type Client struct {
	identifier uuid.UUID
	conn       net.Conn
	addr       string

	mu        sync.Mutex
	nick      string
	connected bool

	state State

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// ctx is cancelled to ask the handler task to stop
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient wraps an accepted connection. The returned client is not yet
// registered and not connected.
func NewClient(parent context.Context, conn net.Conn) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		identifier: uuid.Must(uuid.NewRandom()),
		conn:       conn,
		addr:       peerHost(conn),
		state:      Ungreeted,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func peerHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ID returns the immutable identifier assigned at creation.
func (c *Client) ID() uuid.UUID { return c.identifier }

// Addr returns the peer IP address.
func (c *Client) Addr() string { return c.addr }

// Nickname returns the current nickname, empty until NICK succeeds.
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// setNick must be called with the registry lock held.
func (c *Client) setNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// State returns the protocol state.
func (c *Client) State() State { return c.state }

// BytesReceived is advisory.
func (c *Client) BytesReceived() uint64 { return c.bytesReceived.Load() }

// BytesSent is advisory.
func (c *Client) BytesSent() uint64 { return c.bytesSent.Load() }

// Done is closed when the client has been asked to stop.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Closed reports whether the connection has been released.
func (c *Client) Closed() bool { return c.closed.Load() }

// Send writes line to the connection as is; the caller supplies the terminator.
func (c *Client) Send(line string) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := c.conn.Write([]byte(line))
	c.bytesSent.Add(uint64(n))
	return n, err
}

// Close cancels the handler task and releases the socket. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Matcher selects registry records.
type Matcher func(c *Client) bool

// ByID matches the record with the given identifier.
func ByID(id uuid.UUID) Matcher {
	return func(c *Client) bool { return c.identifier == id }
}

// ByConn matches the record owning conn.
func ByConn(conn net.Conn) Matcher {
	return func(c *Client) bool { return c.conn == conn }
}

// ByNick matches a connected record holding nick. Comparison is case-sensitive.
func ByNick(nick string) Matcher {
	return func(c *Client) bool { return c.connected && c.nick != "" && c.nick == nick }
}
