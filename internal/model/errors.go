package model

import "errors"

var (
	// ErrNotConnected is returned by a peer Send while no transport is open.
	// The payload has been dropped.
	ErrNotConnected = errors.New("not connected")

	// ErrPeerNotFound is returned when an identity has no journal record.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrRouterClosed is returned when a connection is offered to a closed router.
	ErrRouterClosed = errors.New("router closed")

	// ErrAlreadyRunning is returned when a supervisor is started twice.
	ErrAlreadyRunning = errors.New("supervisor already running")

	// ErrEndpointRequired is returned when a peer has no hub endpoint configured.
	ErrEndpointRequired = errors.New("endpoint is required")
)
