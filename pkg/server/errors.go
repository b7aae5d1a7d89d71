package server

import "errors"

var (
	// ErrClientNotFound is returned by registry lookups and removals that match nothing.
	ErrClientNotFound = errors.New("client not found")
	// ErrDuplicateClient is returned when a record with the same id is already registered.
	ErrDuplicateClient = errors.New("client already registered")
	// ErrNotConnected is returned when a nickname is assigned to a client that has not sent HELO.
	ErrNotConnected = errors.New("client is not connected")
	// ErrNickInUse is returned when another connected client holds the nickname.
	ErrNickInUse = errors.New("nickname already in use")
	// ErrCapacityExceeded is returned by Admit when max_connections clients are connected.
	ErrCapacityExceeded = errors.New("maximum number of connections exceeded")
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server closed")
)
