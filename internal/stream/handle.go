// Package stream models the editor-side output stream for one exchange:
// a Sink of rendering operations plus the Handle that owns cancellation
// and completion state for the stream.
package stream

import (
	"sync"
)

// Sink is the editor-side rendering surface for one exchange's output
// stream. Implementations must tolerate calls after Close as no-ops.
type Sink interface {
	// Markdown appends a markdown fragment to the exchange's transcript.
	Markdown(text string)
	// FileReference attaches a file reference chip.
	FileReference(path string)
	// Stage sets the short human-readable status label.
	Stage(label string)
	// ToolError reports a structured, user-facing tool error.
	ToolError(message string)
	// PlanStep appends a new titled plan step.
	PlanStep(index int, title string)
	// PlanStepDelta appends text to an existing step's description.
	PlanStepDelta(index int, delta string)
	// MarkComplete marks the exchange's last message complete.
	MarkComplete()
	// Close tears the stream down.
	Close()
}

// Handle wraps a Sink with a cancellation signal and close-once semantics.
// The registry owns handles from registration until explicit removal.
type Handle struct {
	sessionID  string
	exchangeID string
	sink       Sink

	mu         sync.Mutex
	closed     bool
	cancelled  bool
	cancelSubs []func()
}

// NewHandle creates a handle for one exchange's output stream.
func NewHandle(sessionID, exchangeID string, sink Sink) *Handle {
	return &Handle{
		sessionID:  sessionID,
		exchangeID: exchangeID,
		sink:       sink,
	}
}

// SessionID returns the owning session id.
func (h *Handle) SessionID() string { return h.sessionID }

// ExchangeID returns the exchange id.
func (h *Handle) ExchangeID() string { return h.exchangeID }

// OnCancel registers fn to run when the stream is cancelled. If the handle
// is already cancelled, fn runs immediately.
func (h *Handle) OnCancel(fn func()) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		fn()
		return
	}
	h.cancelSubs = append(h.cancelSubs, fn)
	h.mu.Unlock()
}

// Cancel fires the cancellation signal once. Subsequent calls are no-ops.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	subs := h.cancelSubs
	h.cancelSubs = nil
	h.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Cancelled reports whether Cancel has fired.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Markdown forwards a markdown fragment unless the stream is closed.
func (h *Handle) Markdown(text string) {
	if h.open() {
		h.sink.Markdown(text)
	}
}

// FileReference forwards a file reference unless the stream is closed.
func (h *Handle) FileReference(path string) {
	if h.open() {
		h.sink.FileReference(path)
	}
}

// Stage forwards a stage label unless the stream is closed.
func (h *Handle) Stage(label string) {
	if h.open() {
		h.sink.Stage(label)
	}
}

// ToolError forwards a structured error unless the stream is closed.
func (h *Handle) ToolError(message string) {
	if h.open() {
		h.sink.ToolError(message)
	}
}

// PlanStep forwards a new plan step unless the stream is closed.
func (h *Handle) PlanStep(index int, title string) {
	if h.open() {
		h.sink.PlanStep(index, title)
	}
}

// PlanStepDelta forwards a step description delta unless the stream is closed.
func (h *Handle) PlanStepDelta(index int, delta string) {
	if h.open() {
		h.sink.PlanStepDelta(index, delta)
	}
}

// MarkComplete marks the last message complete unless the stream is closed.
func (h *Handle) MarkComplete() {
	if h.open() {
		h.sink.MarkComplete()
	}
}

// Close closes the underlying sink once. Safe to call repeatedly.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.sink.Close()
}

// Closed reports whether Close has run.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}
