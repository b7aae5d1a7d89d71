package server

import (
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// BroadcastToAll sends message to every connected client and returns the
// total number of bytes written. message must carry its own terminator.
func (r *Registry) BroadcastToAll(message string) int {
	return r.broadcast(message, func(*Client) bool { return false })
}

// BroadcastToAllExceptSender is BroadcastToAll without the client identified by sender.
func (r *Registry) BroadcastToAllExceptSender(message string, sender uuid.UUID) int {
	return r.broadcast(message, func(c *Client) bool { return c.identifier == sender })
}

// broadcast walks the registry under its lock. A send failure closes that
// recipient's connection, its own handler task then tears it down; delivery
// to the remaining clients continues.
func (r *Registry) broadcast(message string, skip func(*Client) bool) int {
	if strings.TrimSpace(message) == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, c := range r.clients {
		if !c.connected || skip(c) {
			continue
		}
		n, err := c.Send(message)
		total += n
		if err != nil {
			log.WithFields(log.Fields{"client": c.identifier, "addr": c.addr}).
				Warnf("Broadcast send failed, dropping client: %v", err)
			c.Close()
		}
	}
	return total
}
