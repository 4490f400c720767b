package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/model"
)

// EventKind tells the application what happened to a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one item of the router's application stream. Payload is only set
// for EventMessage. For a given identity the stream always reads
// Connected, Message*, Disconnected.
type Event struct {
	Kind    EventKind
	ID      model.Identity
	Payload string
}

// Observer is notified synchronously when a connection is registered and
// after it has been removed.
type Observer interface {
	Opened(id model.Identity, info model.ConnectionInfo)
	Closed(id model.Identity, stats model.ConnectionStats)
}

// Options tunes a Router.
type Options struct {
	SendQueue      int
	EventBuffer    int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Observer       Observer
}

// DefaultOptions mirrors the hub configuration defaults.
func DefaultOptions() Options {
	return Options{
		SendQueue:      256,
		EventBuffer:    1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Router tracks live connections and routes identity-tagged frames between
// them and the application.
type Router struct {
	opts     Options
	registry *Registry
	events   chan Event
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRouter creates a Router. Zero-valued options fall back to DefaultOptions.
func NewRouter(opts Options) *Router {
	def := DefaultOptions()
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	if opts.EventBuffer < 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}

	return &Router{
		opts:     opts,
		registry: NewRegistry(),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Events returns the application stream. It is closed by Close once every
// connection goroutine has exited.
func (r *Router) Events() <-chan Event {
	return r.events
}

// Accept registers conn under a fresh identity, announces it to the
// application and starts its pumps.
func (r *Router) Accept(conn *websocket.Conn, info model.ConnectionInfo) (model.Identity, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		_ = conn.Close()
		return 0, model.ErrRouterClosed
	}
	// Close snapshots the registry, so add before releasing the lock.
	client := newClient(conn, info, r.opts.SendQueue)
	id := r.registry.Add(client)
	r.wg.Add(2)
	r.mu.RUnlock()

	if r.opts.Observer != nil {
		r.opts.Observer.Opened(id, info)
	}
	log.WithFields(log.Fields{
		"peer":     id,
		"remote":   info.RemoteAddr,
		"instance": info.InstanceID,
	}).Info("Peer connected")

	r.emit(Event{Kind: EventConnected, ID: id})

	go r.writePump(client)
	go r.readPump(client)

	return id, nil
}

// SendTo delivers payload to the connection registered under id. An unknown
// identity is not an error: the peer may have gone away at any moment. The
// result reports whether the frame was queued.
func (r *Router) SendTo(id model.Identity, payload string) bool {
	client, ok := r.registry.Get(id)
	if !ok {
		log.WithField("peer", id).Debug("Dropping frame for unknown peer")
		return false
	}
	if !client.Send([]byte(payload)) {
		log.WithField("peer", id).Warn("Dropping frame for closed or slow peer")
		return false
	}
	return true
}

// Peers returns the identities of all live connections.
func (r *Router) Peers() []model.Identity {
	return r.registry.Identities()
}

// IsConnected reports whether id is currently registered.
func (r *Router) IsConnected(id model.Identity) bool {
	_, ok := r.registry.Get(id)
	return ok
}

// PeerCount returns the number of live connections.
func (r *Router) PeerCount() int {
	return r.registry.Len()
}

// Close disconnects every peer, waits for their goroutines and closes the
// event stream. Events raised during shutdown may be dropped.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	var errs error
	for _, client := range r.registry.snapshot() {
		client.Close()
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}

	r.wg.Wait()
	close(r.events)
	return errs
}

// disconnect is the single close path of a connection.
func (r *Router) disconnect(client *Client) {
	client.Close()
	if !r.registry.Remove(client.id, client) {
		return
	}

	stats := client.Stats()
	if r.opts.Observer != nil {
		r.opts.Observer.Closed(client.id, stats)
	}
	log.WithFields(log.Fields{
		"peer":       client.id,
		"frames_in":  stats.FramesIn,
		"frames_out": stats.FramesOut,
	}).Info("Peer disconnected")

	r.emit(Event{Kind: EventDisconnected, ID: client.id})
}

func (r *Router) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}
