package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portrelay/relay/internal/model"
	"github.com/portrelay/relay/internal/ws"
)

func startHub(t *testing.T) (*ws.Router, string) {
	t.Helper()
	router := ws.NewRouter(ws.DefaultOptions())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.HandleConnection(w, r)
	}))
	t.Cleanup(func() {
		router.Close()
		server.Close()
	})
	return router, "ws" + strings.TrimPrefix(server.URL, "http")
}

func hubEvent(t *testing.T, router *ws.Router) ws.Event {
	t.Helper()
	select {
	case ev := <-router.Events():
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for hub event")
	}
	return ws.Event{}
}

func TestSupervisorAgainstHub(t *testing.T) {
	router, url := startHub(t)

	sup, err := NewSupervisor(Options{
		Endpoint: url,
		Backoff:  Backoff{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if ev := hubEvent(t, router); ev.Kind != ws.EventConnected || ev.ID != 1 {
		t.Fatalf("expected peerConnected(1), got %s(%d)", ev.Kind, ev.ID)
	}
	select {
	case up := <-sup.Connectivity():
		if !up {
			t.Fatal("expected connectivity=true")
		}
	case <-time.After(waitTimeout):
		t.Fatal("peer never reported connectivity")
	}

	router.SendTo(1, "hello")
	select {
	case msg := <-sup.Messages():
		if msg != "hello" {
			t.Errorf("peer received %q", msg)
		}
	case <-time.After(waitTimeout):
		t.Fatal("peer never received hello")
	}

	if err := sup.Send("ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev := hubEvent(t, router); ev.Kind != ws.EventMessage || ev.ID != 1 || ev.Payload != "ping" {
		t.Fatalf("expected peerMessage(1, ping), got %s(%d, %q)", ev.Kind, ev.ID, ev.Payload)
	}

	// Drop the transport underneath the supervisor.
	sup.mu.Lock()
	sup.conn.Close()
	sup.mu.Unlock()

	select {
	case up := <-sup.Connectivity():
		if up {
			t.Fatal("expected connectivity=false after drop")
		}
	case <-time.After(waitTimeout):
		t.Fatal("peer never reported the drop")
	}
	if ev := hubEvent(t, router); ev.Kind != ws.EventDisconnected || ev.ID != 1 {
		t.Fatalf("expected peerDisconnected(1), got %s(%d)", ev.Kind, ev.ID)
	}

	ev := hubEvent(t, router)
	if ev.Kind != ws.EventConnected {
		t.Fatalf("expected reconnect, got %s", ev.Kind)
	}
	if ev.ID == 1 {
		t.Fatal("reconnect must not reuse identity 1")
	}
	if ev.ID != model.Identity(2) {
		t.Errorf("expected identity 2, got %d", ev.ID)
	}
}
