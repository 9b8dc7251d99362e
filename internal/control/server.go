// Package control is the bridge's inbound HTTP surface. The sidecar
// pushes edit and exchange requests into it, and the editor attaches its
// chat viewers over WebSocket. The listener binds to the first free port
// found by scanning upward from a fixed base and advertises the resulting
// URL to the sidecar.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/editor-bridge/internal/config"
	"github.com/workspace/editor-bridge/internal/driver"
	"github.com/workspace/editor-bridge/internal/editstream"
	"github.com/workspace/editor-bridge/internal/errorreport"
	"github.com/workspace/editor-bridge/internal/persistence"
	"github.com/workspace/editor-bridge/internal/registry"
	"github.com/workspace/editor-bridge/internal/sidecar"
	"github.com/workspace/editor-bridge/internal/stream"
)

// Store is the persistence surface the control server needs.
type Store interface {
	UpsertExchange(rec persistence.ExchangeRecord) error
	ListExchanges(sessionID string) ([]persistence.ExchangeRecord, error)
	RecentEdits(limit int) ([]persistence.RecentEditRecord, error)
}

// CallbackAdvertiser receives the control server's URL once the port is
// known. Satisfied by sidecar.Client.
type CallbackAdvertiser interface {
	SetCallbackURL(url string)
}

// Server is the inbound edit/control HTTP server.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	edits    *editstream.Manager
	store    Store
	surface  *stream.WSSurface
	driver   *driver.Driver
	callback CallbackAdvertiser
	reporter *errorreport.Reporter

	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	url        string
}

// New creates the control server. callback and reporter may be nil.
func New(cfg *config.Config, reg *registry.Registry, edits *editstream.Manager, store Store, surface *stream.WSSurface, drv *driver.Driver, callback CallbackAdvertiser, reporter *errorreport.Reporter) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		edits:    edits,
		store:    store,
		surface:  surface,
		driver:   drv,
		callback: callback,
		reporter: reporter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			// The listener binds to loopback only; origin checks would
			// reject editor webview clients that send no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving. The port is the first
// free one in [BasePort, BasePort+PortSpan); running out is fatal.
func (s *Server) Start() error {
	var lastErr error
	for port := s.cfg.BasePort; port < s.cfg.BasePort+s.cfg.PortSpan; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		break
	}
	if s.listener == nil {
		return fmt.Errorf("no free port in [%d, %d): %w", s.cfg.BasePort, s.cfg.BasePort+s.cfg.PortSpan, lastErr)
	}

	s.url = "http://" + s.listener.Addr().String()
	if s.callback != nil {
		s.callback.SetCallbackURL(s.url)
	}

	s.httpServer = &http.Server{
		Handler:     s.routes(),
		ReadTimeout: s.cfg.HTTPReadTimeout,
		IdleTimeout: s.cfg.HTTPIdleTimeout,
	}

	slog.Info("control server listening", "url", s.url)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

// URL returns the advertised server URL. Empty before Start.
func (s *Server) URL() string {
	return s.url
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/stream", s.handleViewerAttach)
	mux.HandleFunc("POST /v1/exchanges", s.handleNewExchange)
	mux.HandleFunc("GET /v1/exchanges", s.handleListExchanges)
	mux.HandleFunc("POST /v1/edits/apply", s.handleApplyEdit)
	mux.HandleFunc("POST /v1/edits/stream", s.handleEditStream)
	mux.HandleFunc("POST /v1/checkpoints/undo", s.handleUndoToCheckpoint)
	mux.HandleFunc("GET /v1/edits/recent", s.handleRecentEdits)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"viewers": s.surface.ViewerCount(),
		"streams": len(s.registry.Keys()),
	})
}

// handleViewerAttach upgrades the connection and registers it as a chat
// surface viewer until the peer disconnects.
func (s *Server) handleViewerAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("viewer upgrade failed", "error", err)
		return
	}

	viewerID := uuid.NewString()
	s.surface.AttachViewer(viewerID, conn)
	defer s.surface.DetachViewer(viewerID)

	// Viewers only receive; drain until the connection drops.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleNewExchange opens an exchange and starts its interaction.
func (s *Server) handleNewExchange(w http.ResponseWriter, r *http.Request) {
	var req driver.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.ExchangeID == "" {
		req.ExchangeID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = sidecar.ModeChat
	}

	if s.surface.ViewerCount() == 0 {
		writeError(w, http.StatusConflict, "no editor viewer attached")
		return
	}

	if s.store != nil {
		err := s.store.UpsertExchange(persistence.ExchangeRecord{
			SessionID:  req.SessionID,
			ExchangeID: req.ExchangeID,
			Mode:       string(req.Mode),
			Stage:      "Loading...",
			LastPrompt: req.Prompt,
		})
		if err != nil {
			slog.Warn("failed to persist exchange", "sessionID", req.SessionID, "exchangeID", req.ExchangeID, "error", err)
		}
	}

	go func() {
		if err := s.driver.Handle(context.Background(), req); err != nil {
			slog.Error("interaction failed", "sessionID", req.SessionID, "exchangeID", req.ExchangeID, "error", err)
			s.reporter.ReportError(err, "control.exchange", req.SessionID, req.ExchangeID, nil)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId":  req.SessionID,
		"exchangeId": req.ExchangeID,
	})
}

func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": []persistence.ExchangeRecord{}})
		return
	}

	records, err := s.store.ListExchanges(sessionID)
	if err != nil {
		slog.Error("failed to list exchanges", "sessionID", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": records})
}

// handleApplyEdit applies a one-shot edit. Direct edits mutate the file
// immediately; confirmable ones land in the shared pending set. The edit
// is surfaced on the turn's current stream as a file reference.
func (s *Server) handleApplyEdit(w http.ResponseWriter, r *http.Request) {
	var req editstream.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Confirmable edits ride the turn's current stream. With no stream
	// open there is nowhere to surface the confirmation, so the edit is
	// declined rather than silently queued.
	latest, hasLatest := s.registry.Latest()
	if !req.ApplyDirectly && !hasLatest {
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}

	if err := s.edits.ApplyOnce(req); err != nil {
		slog.Error("apply edit failed", "path", req.Path, "error", err)
		s.reporter.ReportError(err, "control.apply", "", req.ExchangeID, map[string]interface{}{"path": req.Path})
		writeError(w, http.StatusInternalServerError, "failed to apply edit")
		return
	}

	// Best-effort routing to whichever stream the turn last touched.
	if hasLatest {
		latest.FileReference(req.Path)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// editStreamRequest is one phase of a streamed edit.
type editStreamRequest struct {
	Phase string `json:"phase"`
	editstream.StartRequest
	Fragment string `json:"fragment,omitempty"`
}

// handleEditStream dispatches the start/delta/end phases of a streamed
// edit to the edit stream manager.
func (s *Server) handleEditStream(w http.ResponseWriter, r *http.Request) {
	var req editStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EditRequestID == "" {
		writeError(w, http.StatusBadRequest, "editRequestId is required")
		return
	}

	switch req.Phase {
	case "start":
		if err := s.edits.HandleStart(req.StartRequest); err != nil {
			slog.Error("edit stream start failed", "editRequestID", req.EditRequestID, "path", req.Path, "error", err)
			s.reporter.ReportError(err, "control.editstream", "", req.ExchangeID, map[string]interface{}{"path": req.Path})
			writeError(w, http.StatusUnprocessableEntity, "could not open edit target")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	case "delta":
		lines, err := s.edits.HandleDelta(req.EditRequestID, req.Fragment)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to process delta")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "linesProcessed": lines})

	case "end":
		closed, err := s.edits.HandleEnd(req.EditRequestID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to finish edit stream")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "closed": closed})

	default:
		writeError(w, http.StatusBadRequest, "phase must be start, delta, or end")
	}
}

// handleUndoToCheckpoint records a checkpoint marker for the exchange.
// A request whose exchange has no registered stream reports success:false
// rather than an HTTP error: the sidecar probes optimistically during
// cleanup.
func (s *Server) handleUndoToCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string `json:"sessionId"`
		ExchangeID    string `json:"exchangeId"`
		PlanStepIndex *int   `json:"planStepIndex,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExchangeID == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}

	// The marker only makes sense for an exchange whose stream is still
	// open; an absent handle means there is nothing to roll back to.
	key := registry.Key{SessionID: req.SessionID, ExchangeID: req.ExchangeID}
	if _, ok := s.registry.Lookup(key); !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}

	planStep := ""
	if req.PlanStepIndex != nil {
		planStep = strconv.Itoa(*req.PlanStepIndex)
	}
	tracking := editstream.TrackingID(req.ExchangeID, planStep)

	s.edits.Pending().Append(editstream.Edit{
		Label:     tracking,
		NoConfirm: true,
	})

	slog.Info("checkpoint marker recorded", "sessionID", req.SessionID, "trackingID", tracking)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "checkpoint": tracking})
}

func (s *Server) handleRecentEdits(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.RecentEditsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"edits": []persistence.RecentEditRecord{}})
		return
	}

	records, err := s.store.RecentEdits(limit)
	if err != nil {
		slog.Error("failed to list recent edits", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list recent edits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"edits": records})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
