// Package peer implements the peer side of the relay: a supervisor that
// keeps one WebSocket connection to the hub alive and gives the application
// a stable Send / Messages / Connectivity contract across reconnects.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/model"
)

// InstanceHeader identifies this peer process to the hub across reconnects.
const InstanceHeader = "X-Relay-Instance"

// Conn is the transport handle the supervisor drives. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a transport to endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (d websocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return conn, nil
}

// Options configures a Supervisor.
type Options struct {
	Endpoint           string
	Backoff            Backoff
	DialTimeout        time.Duration
	WriteWait          time.Duration
	PongWait           time.Duration
	MessageBuffer      int
	ConnectivityBuffer int
	InstanceID         string
	Dialer             Dialer
}

// DefaultOptions returns the 1s/10s backoff defaults for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:           endpoint,
		Backoff:            Backoff{Base: time.Second, Max: 10 * time.Second},
		DialTimeout:        5 * time.Second,
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		MessageBuffer:      64,
		ConnectivityBuffer: 8,
	}
}

// Supervisor owns the lifecycle of one outbound connection.
type Supervisor struct {
	opts         Options
	header       http.Header
	messages     chan string
	connectivity chan bool
	running      atomic.Bool

	// wait blocks for the backoff delay; swapped in tests.
	wait func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	machine machine
	conn    Conn
}

// NewSupervisor validates opts and returns an idle supervisor. Call Run to
// start connecting.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Endpoint == "" {
		return nil, model.ErrEndpointRequired
	}
	def := DefaultOptions(opts.Endpoint)
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = def.Backoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = def.MessageBuffer
	}
	if opts.ConnectivityBuffer <= 0 {
		opts.ConnectivityBuffer = def.ConnectivityBuffer
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocketDialer{dialer: websocket.DefaultDialer}
	}

	header := http.Header{}
	header.Set(InstanceHeader, opts.InstanceID)

	return &Supervisor{
		opts:         opts,
		header:       header,
		messages:     make(chan string, opts.MessageBuffer),
		connectivity: make(chan bool, opts.ConnectivityBuffer),
		wait:         sleepContext,
	}, nil
}

// InstanceID returns the ID sent to the hub on every connect.
func (s *Supervisor) InstanceID() string {
	return s.opts.InstanceID
}

// Messages returns every inbound frame in arrival order. It is closed when
// Run returns.
func (s *Supervisor) Messages() <-chan string {
	return s.messages
}

// Connectivity emits true on every successful open and false when an open
// transport is lost. Reading it is optional: when the buffer is full the
// oldest change is dropped. It is closed when Run returns.
func (s *Supervisor) Connectivity() <-chan bool {
	return s.connectivity
}

// Connected reports whether a transport is currently open.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.state == stateConnected
}

// Send writes payload as one text frame. While no transport is open the
// payload is dropped and ErrNotConnected is returned; nothing is queued.
func (s *Supervisor) Send(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.state != stateConnected || s.conn == nil {
		log.WithField("state", s.machine.state).Warn("Dropping send: not connected")
		return model.ErrNotConnected
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		// The read loop sees the closed transport and reconnects.
		s.conn.Close()
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// SendJSON marshals v and sends it as one text frame.
func (s *Supervisor) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.Send(string(data))
}

// Run connects and keeps reconnecting until ctx is cancelled. It may only
// be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return model.ErrAlreadyRunning
	}
	defer s.shutdown()

	logger := log.WithFields(log.Fields{
		"endpoint": s.opts.Endpoint,
		"instance": s.opts.InstanceID,
	})

	for {
		conn, err := s.connect(ctx)
		if err != nil {
			logger.WithError(err).Warn("Connect failed")
		} else {
			logger.Info("Connected")
			s.signal(true)
			s.serve(ctx, conn)
		}

		delay, wasConnected := s.fail()
		if wasConnected {
			logger.Info("Disconnected")
			s.signal(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WithField("delay", delay).Debug("Scheduling reconnect")
		if err := s.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// connect moves to Connecting, drops any stale transport and dials.
func (s *Supervisor) connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	s.closeTransportLocked()
	s.machine.beginConnect()
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(dialCtx, s.opts.Endpoint, s.header)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.machine.opened()
	s.mu.Unlock()
	return conn, nil
}

// serve forwards inbound frames until the transport fails or ctx ends.
func (s *Supervisor) serve(ctx context.Context, conn Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.opts.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Transport read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		select {
		case s.messages <- string(data):
		case <-ctx.Done():
			return
		}
	}
}

// fail records a failure, tears the transport down and returns the backoff.
func (s *Supervisor) fail() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTransportLocked()
	return s.machine.failed(s.opts.Backoff)
}

func (s *Supervisor) closeTransportLocked() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
}

// signal delivers a connectivity change without waiting on the consumer.
// When the buffer is full the oldest pending change is discarded, so the
// newest state always lands. Run is the only sender.
func (s *Supervisor) signal(connected bool) {
	for {
		select {
		case s.connectivity <- connected:
			return
		default:
		}
		select {
		case <-s.connectivity:
		default:
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.closeTransportLocked()
	s.machine.state = stateDisconnected
	s.mu.Unlock()

	close(s.messages)
	close(s.connectivity)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
