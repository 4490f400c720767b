package model

import (
	"strconv"
	"time"
)

// Identity is the hub-assigned handle of one physical connection. It is only
// valid while that connection is registered and is never minted outside the
// router.
type Identity uint64

// String returns the decimal form used in logs and URLs.
func (id Identity) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseIdentity parses the decimal form produced by String.
func ParseIdentity(s string) (Identity, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Identity(v), nil
}

// ConnectionStatus represents the lifecycle state of a journaled connection.
type ConnectionStatus string

const (
	ConnectionStatusOpen   ConnectionStatus = "open"
	ConnectionStatusClosed ConnectionStatus = "closed"
)

// ConnectionInfo describes a freshly accepted transport.
type ConnectionInfo struct {
	InstanceID string
	RemoteAddr string
}

// ConnectionRecord is the journal entry for one physical connection.
type ConnectionRecord struct {
	RowID          int64            `json:"rowId"`
	BootID         string           `json:"bootId"`
	Identity       Identity         `json:"identity"`
	InstanceID     string           `json:"instanceId,omitempty"`
	RemoteAddr     string           `json:"remoteAddr,omitempty"`
	Status         ConnectionStatus `json:"status"`
	FramesIn       int64            `json:"framesIn"`
	FramesOut      int64            `json:"framesOut"`
	ConnectedAt    time.Time        `json:"connectedAt"`
	DisconnectedAt *time.Time       `json:"disconnectedAt,omitempty"`
}

// Duration returns how long the connection was (or has been) open.
func (r *ConnectionRecord) Duration() time.Duration {
	if r.DisconnectedAt != nil {
		return r.DisconnectedAt.Sub(r.ConnectedAt)
	}
	return time.Since(r.ConnectedAt)
}

// ConnectionStats carries the per-connection frame counters reported on close.
type ConnectionStats struct {
	FramesIn  int64
	FramesOut int64
}
