// Package session journals connection sessions: one row per physical
// connection, written as the router opens and closes them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/model"
	"github.com/portrelay/relay/internal/repository"
)

const (
	journalTimeout = 5 * time.Second

	// DefaultListLimit bounds List when the caller passes no limit.
	DefaultListLimit = 100

	// DefaultQueueSize bounds the journal writes waiting for the worker.
	DefaultQueueSize = 1024
)

// journalOp is one queued journal write. A nil record with a done channel
// is a flush marker.
type journalOp struct {
	open  *model.ConnectionRecord
	close model.Identity
	stats model.ConnectionStats
	at    time.Time
	done  chan struct{}
}

// Tracker records router lifecycle callbacks in the connection journal.
// Callbacks only queue the write; a single worker applies them in order, so
// a slow journal never holds up accepts or disconnects. Journal failures are
// logged and never reach the router.
type Tracker struct {
	repo   *repository.ConnectionRepository
	bootID string

	ops     chan journalOp
	stopped chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	live   func(model.Identity) bool
	closed bool
}

// NewTracker starts a new boot: it picks a boot ID, closes rows that earlier
// boots left open and starts the journal worker. Call Close to drain it.
func NewTracker(ctx context.Context, repo *repository.ConnectionRepository) (*Tracker, error) {
	t := &Tracker{
		repo:    repo,
		bootID:  uuid.NewString(),
		ops:     make(chan journalOp, DefaultQueueSize),
		stopped: make(chan struct{}),
	}

	stale, err := repo.CloseStale(ctx, t.bootID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to close stale connections: %w", err)
	}
	if stale > 0 {
		log.WithField("rows", stale).Info("Closed connections left open by a previous run")
	}

	go t.run()
	return t, nil
}

// BootID identifies this hub run in the journal.
func (t *Tracker) BootID() string {
	return t.bootID
}

// SetLiveness installs the registry check used to correct stale rows.
func (t *Tracker) SetLiveness(fn func(model.Identity) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = fn
}

// Opened queues the journal row of a freshly registered connection.
func (t *Tracker) Opened(id model.Identity, info model.ConnectionInfo) {
	t.enqueue(journalOp{open: &model.ConnectionRecord{
		BootID:      t.bootID,
		Identity:    id,
		InstanceID:  info.InstanceID,
		RemoteAddr:  info.RemoteAddr,
		Status:      model.ConnectionStatusOpen,
		ConnectedAt: time.Now(),
	}})
}

// Closed queues the end of a connection with its frame counters.
func (t *Tracker) Closed(id model.Identity, stats model.ConnectionStats) {
	t.enqueue(journalOp{close: id, stats: stats, at: time.Now()})
}

// Close stops accepting writes and waits for the queued ones to land.
func (t *Tracker) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.ops)
		t.mu.Unlock()
	})
	<-t.stopped
}

// CountOpen returns the number of connections the journal holds open in the
// current boot.
func (t *Tracker) CountOpen(ctx context.Context) (int, error) {
	return t.repo.CountOpen(ctx, t.bootID)
}

// enqueue never blocks: with the queue full the write is dropped and logged.
func (t *Tracker) enqueue(op journalOp) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.ops <- op:
	default:
		log.Warn("Journal queue full, dropping write")
	}
}

// flush waits until every write queued before it has been applied.
func (t *Tracker) flush() {
	done := make(chan struct{})
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return
	}
	t.ops <- journalOp{done: done}
	t.mu.RUnlock()
	<-done
}

func (t *Tracker) run() {
	defer close(t.stopped)
	for op := range t.ops {
		t.apply(op)
	}
}

func (t *Tracker) apply(op journalOp) {
	if op.done != nil {
		close(op.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if op.open != nil {
		if err := t.repo.Create(ctx, op.open); err != nil {
			log.WithField("peer", op.open.Identity).WithError(err).Warn("Failed to journal connection")
		}
		return
	}
	if err := t.repo.MarkClosed(ctx, t.bootID, op.close, op.stats, op.at); err != nil {
		log.WithField("peer", op.close).WithError(err).Warn("Failed to journal disconnect")
	}
}

// Get returns the journal entry of id in the current boot.
func (t *Tracker) Get(ctx context.Context, id model.Identity) (*model.ConnectionRecord, error) {
	rec, err := t.repo.GetByIdentity(ctx, t.bootID, id)
	if err != nil {
		return nil, err
	}
	t.correct(rec)
	return rec, nil
}

// List returns the newest journal entries of the current boot.
func (t *Tracker) List(ctx context.Context, limit int) ([]*model.ConnectionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	records, err := t.repo.List(ctx, t.bootID, limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		t.correct(rec)
	}
	return records, nil
}

// correct reports an "open" row as closed when the registry no longer holds
// it. The journal may lag the registry; the row itself is left for Closed.
func (t *Tracker) correct(rec *model.ConnectionRecord) {
	t.mu.RLock()
	live := t.live
	t.mu.RUnlock()

	if live == nil || rec.Status != model.ConnectionStatusOpen {
		return
	}
	if !live(rec.Identity) {
		rec.Status = model.ConnectionStatusClosed
	}
}
