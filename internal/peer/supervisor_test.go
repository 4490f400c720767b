package peer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portrelay/relay/internal/model"
)

const waitTimeout = 2 * time.Second

var errRefused = errors.New("connection refused")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error            { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPingHandler(func(string) error)          {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	results chan dialResult
	headers chan http.Header
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		results: make(chan dialResult),
		headers: make(chan http.Header, 64),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, header http.Header) (Conn, error) {
	d.headers <- header
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	sup    *Supervisor
	dialer *fakeDialer
	delays chan time.Duration
	cancel context.CancelFunc
	done   chan error
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	dialer := newFakeDialer()
	sup, err := NewSupervisor(Options{
		Endpoint:   "ws://hub.test/ws",
		Backoff:    Backoff{Base: time.Second, Max: 10 * time.Second},
		InstanceID: "instance-1",
		Dialer:     dialer,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	h := &harness{
		sup:    sup,
		dialer: dialer,
		delays: make(chan time.Duration, 64),
		done:   make(chan error, 1),
	}
	sup.wait = func(ctx context.Context, d time.Duration) error {
		h.delays <- d
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) push(t *testing.T, r dialResult) {
	t.Helper()
	select {
	case h.dialer.results <- r:
	case <-time.After(waitTimeout):
		t.Fatal("supervisor never dialed")
	}
}

func (h *harness) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-h.delays:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("no reconnect scheduled")
	}
	return 0
}

func (h *harness) nextConnectivity(t *testing.T) bool {
	t.Helper()
	select {
	case v := <-h.sup.Connectivity():
		return v
	case <-time.After(waitTimeout):
		t.Fatal("no connectivity change")
	}
	return false
}

func TestSupervisorBackoffSequence(t *testing.T) {
	h := startHarness(t)

	for n := 1; n <= 12; n++ {
		h.push(t, dialResult{err: errRefused})
		want := time.Duration(n) * time.Second
		if want > 10*time.Second {
			want = 10 * time.Second
		}
		if got := h.nextDelay(t); got != want {
			t.Fatalf("failure %d: delay %s, want %s", n, got, want)
		}
	}

	conn := newFakeConn()
	h.push(t, dialResult{conn: conn})
	if !h.nextConnectivity(t) {
		t.Fatal("expected connectivity=true after open")
	}

	conn.Close()
	if h.nextConnectivity(t) {
		t.Fatal("expected connectivity=false after transport loss")
	}
	if got := h.nextDelay(t); got != time.Second {
		t.Fatalf("delay after a successful open should reset to base, got %s", got)
	}

	h.push(t, dialResult{err: errRefused})
	if got := h.nextDelay(t); got != 2*time.Second {
		t.Fatalf("second consecutive failure should wait 2s, got %s", got)
	}
}

func TestSupervisorSendRequiresConnection(t *testing.T) {
	h := startHarness(t)

	// Dial is pending: the supervisor is connecting.
	if err := h.sup.Send("early"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("send while connecting: got %v, want ErrNotConnected", err)
	}

	conn := newFakeConn()
	h.push(t, dialResult{conn: conn})
	h.nextConnectivity(t)

	if !h.sup.Connected() {
		t.Fatal("supervisor should report connected")
	}
	if err := h.sup.Send("hello"); err != nil {
		t.Fatalf("send while connected: %v", err)
	}
	if err := h.sup.SendJSON(map[string]int{"n": 1}); err != nil {
		t.Fatalf("send json: %v", err)
	}

	conn.Close()
	h.nextConnectivity(t)
	h.nextDelay(t)
	if err := h.sup.Send("late"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("send after loss: got %v, want ErrNotConnected", err)
	}

	written := conn.Written()
	if len(written) != 2 || written[0] != "hello" || written[1] != `{"n":1}` {
		t.Errorf("transport saw %q; dropped sends must never reach it", written)
	}
}

func TestSupervisorForwardsInboundFrames(t *testing.T) {
	h := startHarness(t)

	conn := newFakeConn()
	h.push(t, dialResult{conn: conn})
	h.nextConnectivity(t)

	for _, f := range []string{"one", "two", "three"} {
		conn.inbound <- []byte(f)
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-h.sup.Messages():
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(waitTimeout):
			t.Fatal("inbound frame not forwarded")
		}
	}
}

func TestSupervisorSendsInstanceHeader(t *testing.T) {
	h := startHarness(t)

	select {
	case header := <-h.dialer.headers:
		if got := header.Get(InstanceHeader); got != "instance-1" {
			t.Errorf("instance header %q", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("supervisor never dialed")
	}
}

func TestSupervisorRunOnce(t *testing.T) {
	h := startHarness(t)
	h.push(t, dialResult{err: errRefused})
	h.nextDelay(t)

	if err := h.sup.Run(context.Background()); !errors.Is(err, model.ErrAlreadyRunning) {
		t.Fatalf("second Run: got %v, want ErrAlreadyRunning", err)
	}
}

func TestSupervisorStopClosesStreams(t *testing.T) {
	h := startHarness(t)

	conn := newFakeConn()
	h.push(t, dialResult{conn: conn})
	h.nextConnectivity(t)

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}

	if v, ok := <-h.sup.Connectivity(); !ok || v {
		t.Errorf("expected a final false before close, got %v ok=%v", v, ok)
	}
	if _, ok := <-h.sup.Connectivity(); ok {
		t.Error("connectivity stream should be closed")
	}
	if _, ok := <-h.sup.Messages(); ok {
		t.Error("message stream should be closed")
	}
	select {
	case <-conn.closed:
	default:
		t.Error("transport should be closed on shutdown")
	}
}

func TestNewSupervisorRequiresEndpoint(t *testing.T) {
	if _, err := NewSupervisor(Options{}); !errors.Is(err, model.ErrEndpointRequired) {
		t.Fatalf("got %v, want ErrEndpointRequired", err)
	}

	sup, err := NewSupervisor(Options{Endpoint: "ws://hub.test/ws"})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	if sup.InstanceID() == "" {
		t.Error("instance ID should be generated")
	}
	if sup.opts.Backoff != DefaultOptions("").Backoff {
		t.Errorf("zero backoff should take defaults, got %+v", sup.opts.Backoff)
	}
	if cap(sup.messages) != 64 || cap(sup.connectivity) != 8 {
		t.Errorf("zero buffers should take defaults, got %d/%d", cap(sup.messages), cap(sup.connectivity))
	}
}

// flappingDialer always succeeds and drops every transport shortly after.
type flappingDialer struct {
	dials atomic.Int64
	life  time.Duration
}

func (d *flappingDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.dials.Add(1)
	conn := newFakeConn()
	time.AfterFunc(d.life, func() { conn.Close() })
	return conn, nil
}

func TestSupervisorKeepsReconnectingWithoutConnectivityReader(t *testing.T) {
	for _, buffer := range []int{0, 1, 8} {
		dialer := &flappingDialer{life: 5 * time.Millisecond}
		sup, err := NewSupervisor(Options{
			Endpoint:           "ws://hub.test/ws",
			Backoff:            Backoff{Base: time.Millisecond, Max: time.Millisecond},
			ConnectivityBuffer: buffer,
			Dialer:             dialer,
		})
		if err != nil {
			t.Fatalf("NewSupervisor: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sup.Run(ctx) }()
		// The application only consumes messages.
		go func() {
			for range sup.Messages() {
			}
		}()

		const want = 20
		deadline := time.Now().Add(waitTimeout)
		for dialer.dials.Load() < want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done

		if got := dialer.dials.Load(); got < want {
			t.Errorf("buffer=%d: reconnect loop stalled after %d dials", buffer, got)
		}
	}
}

func TestSupervisorConnectivityKeepsLatest(t *testing.T) {
	sup, err := NewSupervisor(Options{Endpoint: "ws://hub.test/ws", ConnectivityBuffer: 1})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	sup.signal(true)
	sup.signal(false)
	sup.signal(true)

	if got := <-sup.Connectivity(); !got {
		t.Error("a full stream should hold the newest change")
	}
	select {
	case v := <-sup.Connectivity():
		t.Errorf("unexpected extra change %v", v)
	default:
	}
}
