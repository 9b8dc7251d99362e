// Package editstream consumes incremental line-delta edit streams pushed
// by the sidecar, buffering partial lines and applying completed lines to
// open documents through a shared pending edit set.
package editstream

import "sync"

// Edit is one file edit accumulated in a turn's pending edit set. Line
// positions are zero-based; EndLine is exclusive. A zero-length edit with
// no replacement lines and NoConfirm set is a checkpoint marker: its Label
// tells the edit-application layer to roll the document state back to that
// checkpoint instead of applying a normal edit.
type Edit struct {
	Path      string
	StartLine int
	EndLine   int
	Lines     []string
	Label     string
	NoConfirm bool
}

// IsCheckpointMarker reports whether the edit is a synthetic undo marker.
func (e Edit) IsCheckpointMarker() bool {
	return e.StartLine == e.EndLine && len(e.Lines) == 0 && e.NoConfirm && e.Label != ""
}

// PendingEditSet is the single mutable batch of file edits shared across
// all edit sessions in a turn. Mutation is append-only and order
// preserving; the batch is committed or undone as a unit.
type PendingEditSet struct {
	mu    sync.Mutex
	edits []Edit
}

// NewPendingEditSet creates an empty pending edit set.
func NewPendingEditSet() *PendingEditSet {
	return &PendingEditSet{}
}

// Append adds an edit to the end of the batch.
func (p *PendingEditSet) Append(e Edit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits = append(p.edits, e)
}

// Snapshot returns a copy of the current batch in append order.
func (p *PendingEditSet) Snapshot() []Edit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Edit, len(p.edits))
	copy(out, p.edits)
	return out
}

// Len returns the number of accumulated edits.
func (p *PendingEditSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.edits)
}

// Drain returns the batch and resets the set to empty.
func (p *PendingEditSet) Drain() []Edit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.edits
	p.edits = nil
	return out
}
