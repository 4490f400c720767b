// Package app holds the demo message-processing cores that sit behind the
// router. Payloads stay opaque; the cores only decide where they go.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/buffer"
	"github.com/portrelay/relay/internal/config"
	"github.com/portrelay/relay/internal/model"
	"github.com/portrelay/relay/internal/ws"
)

// Router is the hub boundary seen by an application core.
type Router interface {
	Events() <-chan ws.Event
	SendTo(id model.Identity, payload string) bool
	Peers() []model.Identity
}

// Handler reacts to one router event.
type Handler interface {
	Handle(r Router, ev ws.Event)
}

// New returns the core selected by mode. history bounds the frames the
// broadcast core replays to joining peers; 0 disables replay.
func New(mode config.AppMode, history int) (Handler, error) {
	switch mode {
	case config.AppEcho:
		return Echo{}, nil
	case config.AppBroadcast:
		return NewBroadcast(history), nil
	default:
		return nil, fmt.Errorf("unknown app %q", mode)
	}
}

// Run feeds router events to h until the stream closes or ctx ends.
func Run(ctx context.Context, r Router, h Handler) error {
	events := r.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Handle(r, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Echo sends every message back to its sender.
type Echo struct{}

func (Echo) Handle(r Router, ev ws.Event) {
	if ev.Kind == ws.EventMessage {
		r.SendTo(ev.ID, ev.Payload)
	}
}

// Welcome is sent by Broadcast to a newly connected peer.
type Welcome struct {
	Welcome model.Identity `json:"welcome"`
}

// Broadcast greets new peers with their identity, replays recent traffic to
// them and relays every message to all other live peers.
type Broadcast struct {
	history *buffer.History
}

// NewBroadcast returns a broadcast core keeping the last history frames.
func NewBroadcast(history int) *Broadcast {
	b := &Broadcast{}
	if history > 0 {
		b.history = buffer.NewHistory(history)
	}
	return b
}

func (b *Broadcast) Handle(r Router, ev ws.Event) {
	switch ev.Kind {
	case ws.EventConnected:
		data, err := json.Marshal(Welcome{Welcome: ev.ID})
		if err != nil {
			log.WithError(err).Error("Failed to marshal welcome")
			return
		}
		r.SendTo(ev.ID, string(data))

		if b.history != nil {
			for _, frame := range b.history.Snapshot() {
				if !r.SendTo(ev.ID, frame) {
					break
				}
			}
		}

	case ws.EventMessage:
		if b.history != nil {
			b.history.Push(ev.Payload)
		}
		for _, id := range r.Peers() {
			if id != ev.ID {
				r.SendTo(id, ev.Payload)
			}
		}

	case ws.EventDisconnected:
		log.WithField("peer", ev.ID).Debug("Peer left broadcast")
	}
}
