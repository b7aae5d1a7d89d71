package server

import (
	"context"
	"time"
)

// Event kinds published to a Presence.
const (
	EventJoin  = "JOIN"
	EventLeave = "LEAVE"
	EventChat  = "CHAT"
)

// presenceTimeout bounds every call into a Presence from a handler task.
const presenceTimeout = 2 * time.Second

// Presence mirrors the local chat room to other server processes. The redis
// package provides the implementation; a nil Presence keeps the server local.
type Presence interface {
	// ClaimNick reserves nick for client id across all servers; false means
	// another server's client holds it.
	ClaimNick(ctx context.Context, id, nick string) (bool, error)
	// ReleaseNick drops the reservation if it still belongs to id.
	ReleaseNick(ctx context.Context, id, nick string) error
	RegisterMember(ctx context.Context, id, nick, addr string) error
	UnregisterMember(ctx context.Context, id string) error
	// Publish hands an already formatted broadcast line to the other servers.
	Publish(ctx context.Context, kind, nick, line string) error
}
