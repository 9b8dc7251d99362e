package registry

import (
	"testing"

	"github.com/workspace/editor-bridge/internal/stream"
)

type nopSink struct{}

func (nopSink) Markdown(string)           {}
func (nopSink) FileReference(string)      {}
func (nopSink) Stage(string)              {}
func (nopSink) ToolError(string)          {}
func (nopSink) PlanStep(int, string)      {}
func (nopSink) PlanStepDelta(int, string) {}
func (nopSink) MarkComplete()             {}
func (nopSink) Close()                    {}

func newHandle(session, exchange string) *stream.Handle {
	return stream.NewHandle(session, exchange, nopSink{})
}

func TestRegisterLookupRemove(t *testing.T) {
	r := New(nil)
	key := Key{SessionID: "s1", ExchangeID: "e1"}
	h := newHandle("s1", "e1")

	r.Register(key, h)

	got, ok := r.Lookup(key)
	if !ok || got != h {
		t.Fatalf("Lookup after Register = (%v, %v), want registered handle", got, ok)
	}

	if !r.Remove(key) {
		t.Fatal("Remove returned false for registered key")
	}
	if _, ok := r.Lookup(key); ok {
		t.Fatal("Lookup after Remove should return not-found")
	}
	if r.Remove(key) {
		t.Fatal("second Remove should return false")
	}
}

func TestLatestTracksLookupsNotRegistrations(t *testing.T) {
	r := New(nil)
	k1 := Key{SessionID: "s1", ExchangeID: "e1"}
	k2 := Key{SessionID: "s1", ExchangeID: "e2"}
	h1 := newHandle("s1", "e1")
	h2 := newHandle("s1", "e2")

	r.Register(k1, h1)
	if _, ok := r.Latest(); ok {
		t.Fatal("Latest should be unset after registration alone")
	}

	r.Lookup(k1)
	r.Register(k2, h2)

	latest, ok := r.Latest()
	if !ok || latest != h1 {
		t.Fatalf("Latest = %v, want the looked-up handle, not the newly registered one", latest)
	}

	r.Lookup(k2)
	latest, _ = r.Latest()
	if latest != h2 {
		t.Fatal("Latest should follow the most recent lookup")
	}
}

func TestRemoveClearsLatest(t *testing.T) {
	r := New(nil)
	key := Key{SessionID: "s1", ExchangeID: "e1"}
	r.Register(key, newHandle("s1", "e1"))
	r.Lookup(key)

	r.Remove(key)
	if _, ok := r.Latest(); ok {
		t.Fatal("Latest should be cleared when the latest entry is removed")
	}
}

func TestRemoveOtherKeepsLatest(t *testing.T) {
	r := New(nil)
	k1 := Key{SessionID: "s1", ExchangeID: "e1"}
	k2 := Key{SessionID: "s1", ExchangeID: "e2"}
	h1 := newHandle("s1", "e1")
	r.Register(k1, h1)
	r.Register(k2, newHandle("s1", "e2"))
	r.Lookup(k1)

	r.Remove(k2)
	latest, ok := r.Latest()
	if !ok || latest != h1 {
		t.Fatal("removing an unrelated key should not clear the latest reference")
	}
}

func TestCancelListenerInvoked(t *testing.T) {
	var gotKey Key
	fired := make(chan struct{})
	r := New(func(k Key) {
		gotKey = k
		close(fired)
	})

	key := Key{SessionID: "s1", ExchangeID: "e1"}
	h := newHandle("s1", "e1")
	r.Register(key, h)

	h.Cancel()
	select {
	case <-fired:
	default:
		t.Fatal("cancel listener did not fire")
	}
	if gotKey != key {
		t.Fatalf("cancel listener got key %v, want %v", gotKey, key)
	}
}

func TestAllReturnsRegisteredHandles(t *testing.T) {
	r := New(nil)
	r.Register(Key{"s1", "e1"}, newHandle("s1", "e1"))
	r.Register(Key{"s1", "e2"}, newHandle("s1", "e2"))
	r.Register(Key{"s2", "e1"}, newHandle("s2", "e1"))

	if got := len(r.All()); got != 3 {
		t.Fatalf("All returned %d handles, want 3", got)
	}
	if got := len(r.Keys()); got != 3 {
		t.Fatalf("Keys returned %d keys, want 3", got)
	}
}
