package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSurfaceDeclined is returned when the chat surface refuses to open a
// stream, e.g. because no editor viewer is attached.
var ErrSurfaceDeclined = errors.New("chat surface declined to open a stream")

// Surface opens output sinks for exchanges. The concrete implementation is
// the editor's chat-rendering surface.
type Surface interface {
	OpenSink(sessionID, exchangeID string) (Sink, error)
}

// Frame is one rendering operation pushed to attached editor viewers.
type Frame struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Text       string `json:"text,omitempty"`
	Path       string `json:"path,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Message    string `json:"message,omitempty"`
	StepIndex  int    `json:"stepIndex,omitempty"`
	StepTitle  string `json:"stepTitle,omitempty"`
}

// Frame types for the editor chat surface.
const (
	FrameMarkdown      = "markdown"
	FrameFileReference = "file_reference"
	FrameStage         = "stage"
	FrameToolError     = "tool_error"
	FramePlanStep      = "plan_step"
	FramePlanStepDelta = "plan_step_delta"
	FrameComplete      = "complete"
	FrameClosed        = "closed"
)

// viewer is one attached editor WebSocket connection.
type viewer struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// WSSurface fans rendering frames out to editor viewers attached over
// WebSocket. Each viewer gets a buffered send channel drained by a write
// pump; frames are dropped per-viewer when the buffer is full.
type WSSurface struct {
	sendBuffer int

	mu      sync.RWMutex
	viewers map[string]*viewer
}

// NewWSSurface creates a surface with the given per-viewer send buffer.
func NewWSSurface(sendBuffer int) *WSSurface {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WSSurface{
		sendBuffer: sendBuffer,
		viewers:    make(map[string]*viewer),
	}
}

// AttachViewer registers an upgraded WebSocket connection as a viewer and
// starts its write pump. Returns the viewer id for later detach.
func (s *WSSurface) AttachViewer(id string, conn *websocket.Conn) {
	v := &viewer{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, s.sendBuffer),
		done:   make(chan struct{}),
	}

	go s.writePump(v)

	s.mu.Lock()
	s.viewers[id] = v
	total := len(s.viewers)
	s.mu.Unlock()

	slog.Info("surface: viewer attached", "viewerID", id, "totalViewers", total)
}

// DetachViewer removes a viewer and stops its write pump.
func (s *WSSurface) DetachViewer(id string) {
	s.mu.Lock()
	v, ok := s.viewers[id]
	if ok {
		delete(s.viewers, id)
	}
	total := len(s.viewers)
	s.mu.Unlock()

	if ok {
		v.once.Do(func() { close(v.done) })
		slog.Info("surface: viewer detached", "viewerID", id, "totalViewers", total)
	}
}

// ViewerCount returns the number of attached viewers.
func (s *WSSurface) ViewerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// OpenSink opens an output sink for one exchange. Declines when no viewer
// is attached: there is nothing to render into.
func (s *WSSurface) OpenSink(sessionID, exchangeID string) (Sink, error) {
	if s.ViewerCount() == 0 {
		return nil, ErrSurfaceDeclined
	}
	return &wsSink{surface: s, sessionID: sessionID, exchangeID: exchangeID}, nil
}

// broadcast marshals a frame and sends it to every attached viewer.
func (s *WSSurface) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("surface: failed to marshal frame", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.viewers {
		select {
		case v.sendCh <- data:
		case <-v.done:
		default:
			// Buffer full: drop for this viewer; the editor can re-sync.
			slog.Warn("surface: viewer send buffer full, dropping frame", "viewerID", v.id, "frameType", f.Type)
		}
	}
}

// writePump drains the viewer's send channel into its WebSocket.
func (s *WSSurface) writePump(v *viewer) {
	defer func() {
		v.once.Do(func() { close(v.done) })
		v.conn.Close()
	}()

	for {
		select {
		case data, ok := <-v.sendCh:
			if !ok {
				return
			}
			v.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error("surface: viewer write failed", "viewerID", v.id, "error", err)
				return
			}
		case <-v.done:
			return
		}
	}
}

// wsSink renders one exchange's stream operations as frames broadcast to
// all attached viewers.
type wsSink struct {
	surface    *WSSurface
	sessionID  string
	exchangeID string
}

func (s *wsSink) frame(frameType string) Frame {
	return Frame{Type: frameType, SessionID: s.sessionID, ExchangeID: s.exchangeID}
}

func (s *wsSink) Markdown(text string) {
	f := s.frame(FrameMarkdown)
	f.Text = text
	s.surface.broadcast(f)
}

func (s *wsSink) FileReference(path string) {
	f := s.frame(FrameFileReference)
	f.Path = path
	s.surface.broadcast(f)
}

func (s *wsSink) Stage(label string) {
	f := s.frame(FrameStage)
	f.Stage = label
	s.surface.broadcast(f)
}

func (s *wsSink) ToolError(message string) {
	f := s.frame(FrameToolError)
	f.Message = message
	s.surface.broadcast(f)
}

func (s *wsSink) PlanStep(index int, title string) {
	f := s.frame(FramePlanStep)
	f.StepIndex = index
	f.StepTitle = title
	s.surface.broadcast(f)
}

func (s *wsSink) PlanStepDelta(index int, delta string) {
	f := s.frame(FramePlanStepDelta)
	f.StepIndex = index
	f.Text = delta
	s.surface.broadcast(f)
}

func (s *wsSink) MarkComplete() {
	s.surface.broadcast(s.frame(FrameComplete))
}

func (s *wsSink) Close() {
	s.surface.broadcast(s.frame(FrameClosed))
}
