package editstream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/editor-bridge/internal/workspace"
)

// RecentEdit is one journal entry recorded after an edit lands.
type RecentEdit struct {
	Path          string `json:"path"`
	EditRequestID string `json:"editRequestId"`
	TrackingID    string `json:"trackingId"`
	Kind          string `json:"kind"` // "streamed" or "applied"
}

// Bookkeeper persists checkpoint and journal state for landed edits.
// A nil Bookkeeper disables bookkeeping.
type Bookkeeper interface {
	// IncrementEditCounter advances the global counter used for
	// checkpoint and undo bookkeeping, returning the new value.
	IncrementEditCounter() (int64, error)
	// AppendRecentEdit records a landed edit in the recent-edits journal.
	AppendRecentEdit(entry RecentEdit) error
}

// TrackingID composes the unique edit-tracking id from an exchange id and
// an optional plan step id.
func TrackingID(exchangeID, planStepID string) string {
	if planStepID == "" {
		return exchangeID
	}
	return exchangeID + "::" + planStepID
}

// StartRequest opens one streamed edit operation.
type StartRequest struct {
	EditRequestID string `json:"editRequestId"`
	Path          string `json:"path"`
	Selection     *Range `json:"selection,omitempty"`
	ApplyDirectly bool   `json:"applyDirectly"`
	ExchangeID    string `json:"exchangeId"`
	PlanStepID    string `json:"planStepId,omitempty"`
}

// ApplyRequest is a one-shot (non-streamed) edit.
type ApplyRequest struct {
	EditRequestID string `json:"editRequestId"`
	Path          string `json:"path"`
	Selection     *Range `json:"selection,omitempty"`
	Content       string `json:"content"`
	ApplyDirectly bool   `json:"applyDirectly"`
	ExchangeID    string `json:"exchangeId"`
	PlanStepID    string `json:"planStepId,omitempty"`
}

// session is the per-editRequestId state between Start and End.
type session struct {
	doc      workspace.Document
	acc      *LineAccumulator
	proc     LineProcessor
	tracking string
}

// Manager runs the per-editRequestId edit stream state machine. State is
// partitioned by edit request id, so overlapping requests for different
// ids need no cross-request coordination beyond the shared pending set.
type Manager struct {
	ws      workspace.Workspace
	pending *PendingEditSet
	books   Bookkeeper

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates an edit stream manager. books may be nil.
func NewManager(ws workspace.Workspace, pending *PendingEditSet, books Bookkeeper) *Manager {
	return &Manager{
		ws:       ws,
		pending:  pending,
		books:    books,
		sessions: make(map[string]*session),
	}
}

// Pending returns the shared pending edit set.
func (m *Manager) Pending() *PendingEditSet {
	return m.pending
}

// HandleStart opens the target file and creates the edit session. If the
// file can be neither opened nor created the session is not created and
// the error is returned for the caller to surface.
func (m *Manager) HandleStart(req StartRequest) error {
	if req.EditRequestID == "" {
		return fmt.Errorf("edit request id is required")
	}

	doc, err := m.ws.OpenOrCreate(req.Path)
	if err != nil {
		return fmt.Errorf("open edit target %s: %w", req.Path, err)
	}

	tracking := TrackingID(req.ExchangeID, req.PlanStepID)
	sess := &session{
		doc:      doc,
		acc:      &LineAccumulator{},
		proc:     newLineReplacer(doc, req.Selection, m.pending, req.ApplyDirectly, tracking),
		tracking: tracking,
	}

	m.mu.Lock()
	m.sessions[req.EditRequestID] = sess
	m.mu.Unlock()

	slog.Info("editstream: session started", "editRequestID", req.EditRequestID, "path", req.Path, "direct", req.ApplyDirectly)
	return nil
}

// HandleDelta appends a fragment and processes every newly completed line.
// A delta for an unknown edit request id is a no-op. Returns the number of
// lines processed.
func (m *Manager) HandleDelta(editRequestID, fragment string) (int, error) {
	m.mu.Lock()
	sess, ok := m.sessions[editRequestID]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}

	sess.acc.Append(fragment)
	lines := sess.acc.DrainCompleteLines()
	for _, line := range lines {
		if err := sess.proc.ProcessLine(line); err != nil {
			return 0, fmt.Errorf("process line: %w", err)
		}
	}
	return len(lines), nil
}

// HandleEnd drains remaining buffered lines, finalises the processor,
// saves the target file, removes the session and advances the global edit
// counter. End for an unknown id is a no-op: the session was already
// removed by a previous End.
func (m *Manager) HandleEnd(editRequestID string) (bool, error) {
	m.mu.Lock()
	sess, ok := m.sessions[editRequestID]
	if ok {
		delete(m.sessions, editRequestID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	for _, line := range sess.acc.Flush() {
		if err := sess.proc.ProcessLine(line); err != nil {
			return true, fmt.Errorf("process flushed line: %w", err)
		}
	}
	if err := sess.proc.Finish(); err != nil {
		return true, fmt.Errorf("finalize edit: %w", err)
	}
	if err := sess.doc.Save(); err != nil {
		return true, fmt.Errorf("save edit target: %w", err)
	}

	m.bookkeep(RecentEdit{
		Path:          sess.doc.Path(),
		EditRequestID: editRequestID,
		TrackingID:    sess.tracking,
		Kind:          "streamed",
	})

	slog.Info("editstream: session ended", "editRequestID", editRequestID, "path", sess.doc.Path())
	return true, nil
}

// ApplyOnce applies a one-shot edit. Direct requests write the document
// synchronously; otherwise the edit joins the turn's pending set.
func (m *Manager) ApplyOnce(req ApplyRequest) error {
	doc, err := m.ws.OpenOrCreate(req.Path)
	if err != nil {
		return fmt.Errorf("open edit target %s: %w", req.Path, err)
	}

	lines := workspace.SplitLines(req.Content)
	tracking := TrackingID(req.ExchangeID, req.PlanStepID)

	proc := newLineReplacer(doc, req.Selection, m.pending, req.ApplyDirectly, tracking)
	for _, line := range lines {
		if err := proc.ProcessLine(line); err != nil {
			return fmt.Errorf("process line: %w", err)
		}
	}
	if err := proc.Finish(); err != nil {
		return fmt.Errorf("finalize edit: %w", err)
	}

	if req.ApplyDirectly {
		if err := doc.Save(); err != nil {
			return fmt.Errorf("save edit target: %w", err)
		}
	}

	m.bookkeep(RecentEdit{
		Path:          req.Path,
		EditRequestID: req.EditRequestID,
		TrackingID:    tracking,
		Kind:          "applied",
	})
	return nil
}

// ActiveSessions returns the number of open edit sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) bookkeep(entry RecentEdit) {
	if m.books == nil {
		return
	}
	if _, err := m.books.IncrementEditCounter(); err != nil {
		slog.Warn("editstream: edit counter increment failed", "error", err)
	}
	if err := m.books.AppendRecentEdit(entry); err != nil {
		slog.Warn("editstream: recent edit journal append failed", "error", err)
	}
}
