package server

import (
	"fmt"
	"slices"
	"sync"
)

// Registry is the ordered, mutex-guarded set of known clients. Insertion order
// is kept. The same lock guards the broadcast-visible fields (nick, connected)
// of every record it holds.
type Registry struct {
	mu      sync.Mutex
	clients []*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: []*Client{}}
}

// Insert appends c. A nil client is a programming error and panics before any
// state is touched.
func (r *Registry) Insert(c *Client) error {
	if c == nil {
		panic("server: Registry.Insert called with nil client")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(ByID(c.identifier)) >= 0 {
		return fmt.Errorf("inserting %s: %w", c.identifier, ErrDuplicateClient)
	}
	r.clients = append(r.clients, c)
	return nil
}

// Remove unlinks the first record matching and hands it to the caller, who
// becomes responsible for closing it. Removing an absent record returns
// ErrClientNotFound and changes nothing.
func (r *Registry) Remove(match Matcher) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(match)
	if i < 0 {
		return nil, ErrClientNotFound
	}
	c := r.clients[i]
	r.clients = slices.Delete(r.clients, i, i+1)
	return c, nil
}

// FindFirst returns the first record matching, in insertion order.
func (r *Registry) FindFirst(match Matcher) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(match)
	if i < 0 {
		return nil, ErrClientNotFound
	}
	return r.clients[i], nil
}

// ForEach calls action for every record in insertion order while holding the
// lock. action must not call back into the registry.
func (r *Registry) ForEach(action func(c *Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		action(c)
	}
}

// Count returns the number of connected (greeted) records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.countLocked()
}

// Len returns the number of registered records, greeted or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}

// Admit marks c connected unless max clients are connected already. The check
// and the mark happen under one lock acquisition.
func (r *Registry) Admit(c *Client, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(ByID(c.identifier)) < 0 {
		return ErrClientNotFound
	}
	if c.connected {
		return nil
	}
	if r.countLocked() >= max {
		return ErrCapacityExceeded
	}
	c.connected = true
	return nil
}

// AssignNick gives c the nickname nick if no other connected record holds it,
// returning the previous nickname.
func (r *Registry) AssignNick(c *Client, nick string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(ByID(c.identifier)) < 0 {
		return "", ErrClientNotFound
	}
	if !c.connected {
		return "", ErrNotConnected
	}
	if i := r.indexLocked(ByNick(nick)); i >= 0 && r.clients[i] != c {
		return "", fmt.Errorf("%s: %w", nick, ErrNickInUse)
	}

	prev := c.nick
	c.setNick(nick)
	return prev, nil
}

// Disconnect clears the connected flag and nickname of c and returns the
// nickname it held. A second call returns an empty nickname and false.
func (r *Registry) Disconnect(c *Client) (nick string, wasConnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nick, wasConnected = c.nick, c.connected
	c.setNick("")
	c.connected = false
	return nick, wasConnected
}

// Nicknames returns the nicknames of connected records in insertion order.
func (r *Registry) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	nicks := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		if c.connected && c.nick != "" {
			nicks = append(nicks, c.nick)
		}
	}
	return nicks
}

// Named returns the nickname of every connected record that has one, keyed
// by record id.
func (r *Registry) Named() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	named := make(map[string]string, len(r.clients))
	for _, c := range r.clients {
		if c.connected && c.nick != "" {
			named[c.identifier.String()] = c.nick
		}
	}
	return named
}

func (r *Registry) indexLocked(match Matcher) int {
	return slices.IndexFunc(r.clients, match)
}

func (r *Registry) countLocked() int {
	n := 0
	for _, c := range r.clients {
		if c.connected {
			n++
		}
	}
	return n
}
