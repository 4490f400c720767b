package peer

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffDelayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500

	properties := gopter.NewProperties(parameters)

	properties.Property("delay is min(n*base, max)", prop.ForAll(
		func(n int, baseMS, extraMS int64) bool {
			base := time.Duration(baseMS) * time.Millisecond
			max := base + time.Duration(extraMS)*time.Millisecond
			b := Backoff{Base: base, Max: max}

			want := time.Duration(n) * base
			if want > max {
				want = max
			}
			return b.Delay(n) == want
		},
		gen.IntRange(1, 10000),
		gen.Int64Range(1, 5000),
		gen.Int64Range(0, 60000),
	))

	properties.Property("delay never decreases and never exceeds max", prop.ForAll(
		func(n int, baseMS int64) bool {
			b := Backoff{Base: time.Duration(baseMS) * time.Millisecond, Max: 10 * time.Second}
			d1, d2 := b.Delay(n), b.Delay(n+1)
			return d1 <= d2 && d2 <= b.Max
		},
		gen.IntRange(1, 100000),
		gen.Int64Range(1, 20000),
	))

	properties.TestingRun(t)
}

func TestBackoffEdgeCases(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	if d := b.Delay(0); d != 0 {
		t.Errorf("attempt 0 should not wait, got %s", d)
	}
	if d := b.Delay(1 << 62); d != b.Max {
		t.Errorf("huge attempt must clamp without overflow, got %s", d)
	}

	inverted := Backoff{Base: 5 * time.Second, Max: time.Second}
	if d := inverted.Delay(1); d != time.Second {
		t.Errorf("max below base should clamp to max, got %s", d)
	}
}

func TestMachineTransitions(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	var m machine

	if m.state != stateDisconnected {
		t.Fatalf("initial state should be disconnected, got %s", m.state)
	}

	for i := 1; i <= 3; i++ {
		m.beginConnect()
		delay, wasConnected := m.failed(b)
		if wasConnected {
			t.Fatal("failed open must not report a lost connection")
		}
		if delay != time.Duration(i)*time.Second {
			t.Fatalf("failure %d: expected %ds, got %s", i, i, delay)
		}
	}

	m.beginConnect()
	m.opened()
	if m.state != stateConnected || m.attempts != 0 {
		t.Fatalf("open should reset attempts, got state=%s attempts=%d", m.state, m.attempts)
	}

	delay, wasConnected := m.failed(b)
	if !wasConnected {
		t.Error("losing an open transport should be reported")
	}
	if delay != time.Second {
		t.Errorf("first failure after success should wait base, got %s", delay)
	}
	if m.state != stateDisconnected {
		t.Errorf("expected disconnected, got %s", m.state)
	}
}
