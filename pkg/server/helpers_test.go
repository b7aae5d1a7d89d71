package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tehcyx/gchat/internal/config"
)

const (
	readTimeout = 2 * time.Second
	quietPeriod = 150 * time.Millisecond
)

// peer is the remote end of a client connection. Every line it receives is
// queued on lines so writes from the server side never block.
type peer struct {
	conn  net.Conn
	lines chan string
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	t.Helper()
	p := &peer{conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(p.lines)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 {
				p.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) send(t *testing.T, line string) {
	t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := p.conn.Write([]byte(line))
	require.NoError(t, err)
}

func (p *peer) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-p.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		require.Equal(t, want, got)
	case <-time.After(readTimeout):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (p *peer) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got, ok := <-p.lines:
		if ok {
			t.Fatalf("expected no line, got %q", got)
		}
	case <-time.After(quietPeriod):
	}
}

func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case got, ok := <-p.lines:
			if !ok {
				return
			}
			t.Fatalf("expected connection close, got %q", got)
		case <-deadline:
			t.Fatal("timed out waiting for connection close")
		}
	}
}

// pipeClient builds a registered client over net.Pipe for s.
func pipeClient(t *testing.T, s *Server) (*Client, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	c := NewClient(s.ctx, local)
	require.NoError(t, s.registry.Insert(c))
	t.Cleanup(func() { c.Close() })
	return c, newPeer(t, remote)
}

// bareClient builds an unregistered client over net.Pipe.
func bareClient(t *testing.T) (*Client, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	c := NewClient(context.Background(), local)
	t.Cleanup(func() { c.Close() })
	return c, newPeer(t, remote)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MaxConnections = 10
	return cfg
}

// greet takes c through HELO and NICK on s and drains the replies.
func greet(t *testing.T, s *Server, c *Client, p *peer, nick string) {
	t.Helper()
	require.Equal(t, Greeted, s.handleLine(c, "HELO\n"))
	p.expect(t, RplWelcome)
	if nick != "" {
		s.handleLine(c, "NICK "+nick+"\n")
		p.expect(t, "201 OK your nickname is "+nick+".\n")
	}
}

// fakePresence records every call and lets tests refuse claims or fail.
type fakePresence struct {
	mu        sync.Mutex
	claims    map[string]string
	members   map[string]string
	published []string
	refuse    map[string]bool
	failClaim bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		claims:  map[string]string{},
		members: map[string]string{},
		refuse:  map[string]bool{},
	}
}

func (f *fakePresence) ClaimNick(_ context.Context, id, nick string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClaim {
		return false, context.DeadlineExceeded
	}
	if f.refuse[nick] {
		return false, nil
	}
	if owner, ok := f.claims[nick]; ok && owner != id {
		return false, nil
	}
	f.claims[nick] = id
	return true, nil
}

func (f *fakePresence) ReleaseNick(_ context.Context, id, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[nick] == id {
		delete(f.claims, nick)
	}
	return nil
}

func (f *fakePresence) RegisterMember(_ context.Context, id, nick, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = nick
	return nil
}

func (f *fakePresence) UnregisterMember(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, id)
	return nil
}

func (f *fakePresence) Publish(_ context.Context, kind, _, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, kind+" "+line)
	return nil
}

func (f *fakePresence) snapshot() (claims, members map[string]string, published []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, members = map[string]string{}, map[string]string{}
	for k, v := range f.claims {
		claims[k] = v
	}
	for k, v := range f.members {
		members[k] = v
	}
	return claims, members, append([]string(nil), f.published...)
}
