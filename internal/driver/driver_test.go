package driver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/workspace/editor-bridge/internal/dispatch"
	"github.com/workspace/editor-bridge/internal/registry"
	"github.com/workspace/editor-bridge/internal/sidecar"
	"github.com/workspace/editor-bridge/internal/stream"
)

type fakeCreds struct {
	mu        sync.Mutex
	tokens    int
	refreshes int
}

func (c *fakeCreds) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens++
	return "soft-token", nil
}

func (c *fakeCreds) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return "hard-token", nil
}

// scriptedStreamer returns one pre-built event batch per call and
// records the credential presented with each.
type scriptedStreamer struct {
	mu          sync.Mutex
	batches     [][]sidecar.Event
	credentials []string
}

func (s *scriptedStreamer) Stream(ctx context.Context, mode sidecar.Mode, req sidecar.InteractionRequest, credential string) (<-chan sidecar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = append(s.credentials, credential)

	var batch []sidecar.Event
	if len(s.batches) > 0 {
		batch = s.batches[0]
		s.batches = s.batches[1:]
	}

	events := make(chan sidecar.Event, len(batch)+1)
	for _, ev := range batch {
		events <- ev
	}
	close(events)
	return events, nil
}

func (s *scriptedStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.credentials)
}

type fakeSurface struct{}

func (fakeSurface) OpenSink(sessionID, exchangeID string) (stream.Sink, error) {
	return &nopSink{}, nil
}

type nopSink struct{}

func (*nopSink) Markdown(string)           {}
func (*nopSink) FileReference(string)      {}
func (*nopSink) Stage(string)              {}
func (*nopSink) ToolError(string)          {}
func (*nopSink) PlanStep(int, string)      {}
func (*nopSink) PlanStepDelta(int, string) {}
func (*nopSink) MarkComplete()             {}
func (*nopSink) Close()                    {}

func errorBatch(message string) []sidecar.Event {
	return []sidecar.Event{
		{Kind: sidecar.KindStartAck, StartAck: &sidecar.StartAckEvent{Started: true}},
		{Kind: sidecar.KindError, Err: &sidecar.ErrorEvent{Message: message}},
	}
}

func finishedBatch(key registry.Key) []sidecar.Event {
	return []sidecar.Event{
		{Kind: sidecar.KindStartAck, StartAck: &sidecar.StartAckEvent{Started: true}},
		{Kind: sidecar.KindExchange, Exchange: &sidecar.ExchangeEvent{
			SessionID:  key.SessionID,
			ExchangeID: key.ExchangeID,
			Scope:      sidecar.ScopeEdits,
			State:      sidecar.StateMarkedComplete,
		}},
	}
}

func newDriver(t *testing.T, streamer *scriptedStreamer, terminal bool) (*Driver, *fakeCreds, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	surface := fakeSurface{}
	dispatcher := dispatch.New(reg, surface, nil, nil, nil)
	creds := &fakeCreds{}
	return New(creds, streamer, dispatcher, reg, surface, terminal), creds, reg
}

func TestHandleRunsToCompletion(t *testing.T) {
	key := registry.Key{SessionID: "s1", ExchangeID: "e1"}
	streamer := &scriptedStreamer{batches: [][]sidecar.Event{finishedBatch(key)}}
	d, creds, _ := newDriver(t, streamer, false)

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if streamer.calls() != 1 {
		t.Errorf("stream opened %d times, want 1", streamer.calls())
	}
	if creds.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", creds.refreshes)
	}
}

func TestUnauthorizedRetriesExactlyOnce(t *testing.T) {
	key := registry.Key{SessionID: "s1", ExchangeID: "e1"}
	streamer := &scriptedStreamer{batches: [][]sidecar.Event{
		errorBatch("request unauthorized"),
		finishedBatch(key),
	}}
	d, creds, _ := newDriver(t, streamer, false)

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if streamer.calls() != 2 {
		t.Fatalf("stream opened %d times, want 2", streamer.calls())
	}
	if creds.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", creds.refreshes)
	}
	// The retry must carry the refreshed credential
	if streamer.credentials[1] != "hard-token" {
		t.Errorf("retry credential = %q, want refreshed token", streamer.credentials[1])
	}
}

func TestSecondUnauthorizedIsNotRetried(t *testing.T) {
	streamer := &scriptedStreamer{batches: [][]sidecar.Event{
		errorBatch("request unauthorized"),
		errorBatch("request unauthorized"),
	}}
	d, creds, reg := newDriver(t, streamer, false)

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v (generic path should swallow the failure)", err)
	}
	if streamer.calls() != 2 {
		t.Fatalf("stream opened %d times, want exactly 2", streamer.calls())
	}
	if creds.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", creds.refreshes)
	}
	if len(reg.Keys()) != 0 {
		t.Error("expected streams torn down by the generic error path")
	}
}

func TestSecondUnauthorizedWithTerminalPolicy(t *testing.T) {
	streamer := &scriptedStreamer{batches: [][]sidecar.Event{
		errorBatch("request unauthorized"),
		errorBatch("request unauthorized"),
	}}
	d, _, reg := newDriver(t, streamer, true)

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if !errors.Is(err, ErrUnauthorizedTerminal) {
		t.Fatalf("Handle = %v, want ErrUnauthorizedTerminal", err)
	}
	// The terminal exit must not leak the exchange's stream
	if len(reg.Keys()) != 0 {
		t.Errorf("registry holds %d streams after terminal exit, want 0", len(reg.Keys()))
	}
}

func TestConnectionFailureRetriesOnce(t *testing.T) {
	key := registry.Key{SessionID: "s1", ExchangeID: "e1"}
	streamer := &scriptedStreamer{batches: [][]sidecar.Event{
		{{Kind: sidecar.KindKeepAlive}},
		finishedBatch(key),
	}}
	d, _, _ := newDriver(t, streamer, false)

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if streamer.calls() != 2 {
		t.Errorf("stream opened %d times, want 2", streamer.calls())
	}
}

func TestInflightPairIsSuppressed(t *testing.T) {
	d, _, _ := newDriver(t, &scriptedStreamer{}, false)

	key := registry.Key{SessionID: "s1", ExchangeID: "e1"}
	d.mu.Lock()
	d.inflight[key.String()] = true
	d.mu.Unlock()

	err := d.Handle(context.Background(), Request{SessionID: "s1", ExchangeID: "e1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inflight[key.String()] {
		t.Error("suppressed request must not clear the in-flight marker")
	}
}

func TestMissingIDsRejected(t *testing.T) {
	d, _, _ := newDriver(t, &scriptedStreamer{}, false)
	if err := d.Handle(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for missing ids")
	}
}
