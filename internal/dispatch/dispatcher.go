// Package dispatch consumes the sidecar's tagged event stream for one
// interaction and turns each event into editor-side effects: markdown
// deltas, file references, stage labels, plan steps, edit stream calls,
// and stream teardown on terminal events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/workspace/editor-bridge/internal/editstream"
	"github.com/workspace/editor-bridge/internal/errorreport"
	"github.com/workspace/editor-bridge/internal/registry"
	"github.com/workspace/editor-bridge/internal/sidecar"
	"github.com/workspace/editor-bridge/internal/stream"
)

// ErrConnectionFailed indicates the stream ended without ever starting.
// The driver treats it as retryable once.
var ErrConnectionFailed = errors.New("agent stream did not start")

// ErrUnauthorized indicates the sidecar rejected the credential. The
// driver retries once with a refreshed credential before surfacing it.
var ErrUnauthorized = errors.New("sidecar rejected credential")

// Stage labels shown in the editor.
const (
	StageLoading   = "Loading..."
	StageCancelled = "Cancelled"
	StageError     = "Error"
	StageComplete  = "Complete"
	StagePlanning  = "Planning"
	StageAccepted  = "Accepted"
	StageWorking   = "Working..."
	StageInReview  = "In Review"
	StageFinished  = "Finished"
)

// User-facing messages for terminal error outcomes.
const (
	msgMalformedToolOutput = "The agent produced tool output in an unexpected format. Please try again."
	msgGenericFailure      = "Sorry, something went wrong while processing your request. Please try again."
	msgRateLimited         = "The service is handling too many requests right now. Please wait a moment and try again."
)

// errorClass buckets an error message by its literal content.
type errorClass int

const (
	errGeneric errorClass = iota
	errCancelled
	errUnauthorized
	errRateLimited
	errMalformedTool
)

func classifyMessage(msg string) errorClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cancelled by user"):
		return errCancelled
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return errUnauthorized
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return errRateLimited
	case strings.Contains(lower, "wrong tool output"):
		return errMalformedTool
	default:
		return errGeneric
	}
}

// StagePersister records stage transitions for exchange history. A nil
// persister is a no-op.
type StagePersister interface {
	UpdateExchangeStage(sessionID, exchangeID, stage string) error
}

// Options configures one dispatch run.
type Options struct {
	// OnUnauthorized fires when the sidecar rejects the credential.
	OnUnauthorized func()
	// OnError fires on terminal stream errors after the user-facing
	// message has been emitted.
	OnError func(error)
}

// Dispatcher turns sidecar events into stream handle writes. One
// Dispatcher serves all exchanges; per-interaction state lives in Run.
type Dispatcher struct {
	registry *registry.Registry
	surface  stream.Surface
	edits    *editstream.Manager
	stages   StagePersister
	reporter *errorreport.Reporter
}

// New creates a dispatcher. stages and reporter may be nil.
func New(reg *registry.Registry, surface stream.Surface, edits *editstream.Manager, stages StagePersister, reporter *errorreport.Reporter) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		surface:  surface,
		edits:    edits,
		stages:   stages,
		reporter: reporter,
	}
}

// Run is the per-interaction dispatch state: which exchanges have
// resolved a stream and the cumulative thinking text per exchange.
// Both caches are cleared on every exit path.
type Run struct {
	d         *Dispatcher
	sessionID string
	opts      Options

	started  map[string]bool
	thinking map[string]string

	streamStarted bool
}

// NewRun creates the dispatch state for one interaction call.
func (d *Dispatcher) NewRun(sessionID string, opts Options) *Run {
	return &Run{
		d:         d,
		sessionID: sessionID,
		opts:      opts,
		started:   make(map[string]bool),
		thinking:  make(map[string]string),
	}
}

// Run drains the event channel, dispatching each event in arrival order.
// It returns when a terminal event ends the interaction, the channel
// closes, or ctx is done. Caches are cleared on every exit path.
func (d *Dispatcher) Run(ctx context.Context, sessionID string, events <-chan sidecar.Event, opts Options) error {
	run := d.NewRun(sessionID, opts)
	defer run.cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return run.finish()
			}
			done, err := run.Dispatch(ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// Forward pushes follow-up events (from a cancellation side call)
// through the normal dispatch path.
func (d *Dispatcher) Forward(sessionID string, events []sidecar.Event) {
	run := d.NewRun(sessionID, Options{})
	defer run.cleanup()

	for _, ev := range events {
		done, err := run.Dispatch(ev)
		if err != nil {
			slog.Warn("dispatch: forwarded event failed", "sessionID", sessionID, "error", err)
			return
		}
		if done {
			return
		}
	}
}

// finish handles the channel closing without a terminal event.
func (r *Run) finish() error {
	if !r.streamStarted {
		return ErrConnectionFailed
	}
	return nil
}

// cleanup clears per-interaction caches.
func (r *Run) cleanup() {
	r.started = make(map[string]bool)
	r.thinking = make(map[string]string)
}

// Dispatch processes one event. It reports whether the interaction is
// over (done) or failed in a way the driver must handle (err).
func (r *Run) Dispatch(ev sidecar.Event) (done bool, err error) {
	switch ev.Kind {
	case sidecar.KindKeepAlive:
		return false, nil

	case sidecar.KindStartAck:
		if ev.StartAck == nil || !ev.StartAck.Started {
			return true, ErrConnectionFailed
		}
		return false, nil

	case sidecar.KindDone:
		// Terminal framing is carried by exchange and tool events.
		return false, nil

	case sidecar.KindError:
		return r.handleStreamError(ev.Err)

	case sidecar.KindExchange:
		return r.handleExchange(ev.Exchange)

	case sidecar.KindFramework:
		return r.handleFramework(ev.Framework)

	case sidecar.KindSymbol, sidecar.KindSymbolSubStep:
		// Symbol navigation is observational; resolve the stream so the
		// exchange still gets its loading stage.
		key, ok := r.keyOf(ev)
		if ok {
			r.resolve(key)
		}
		return false, nil

	case sidecar.KindRequest:
		return r.handleEditRequest(ev.Request)

	case sidecar.KindEditRequestFinished:
		return r.handleEditRequestFinished(ev.EditRequestFinished)

	case sidecar.KindChat:
		if ev.Chat == nil {
			return false, nil
		}
		h, ok := r.resolve(registry.Key{SessionID: ev.Chat.SessionID, ExchangeID: ev.Chat.ExchangeID})
		if !ok {
			return false, nil
		}
		if ev.Chat.Delta != nil {
			h.Markdown(*ev.Chat.Delta)
		}
		return false, nil

	case sidecar.KindPlan:
		return r.handlePlan(ev.Plan)

	default:
		slog.Warn("dispatch: ignoring unknown event kind", "kind", ev.Kind)
		return false, nil
	}
}

// keyOf extracts the registry key for keyed event kinds.
func (r *Run) keyOf(ev sidecar.Event) (registry.Key, bool) {
	switch ev.Kind {
	case sidecar.KindSymbol:
		if ev.Symbol == nil {
			return registry.Key{}, false
		}
		return registry.Key{SessionID: ev.Symbol.SessionID, ExchangeID: ev.Symbol.ExchangeID}, true
	case sidecar.KindSymbolSubStep:
		if ev.SymbolSubStep == nil {
			return registry.Key{}, false
		}
		return registry.Key{SessionID: ev.SymbolSubStep.SessionID, ExchangeID: ev.SymbolSubStep.ExchangeID}, true
	default:
		return registry.Key{}, false
	}
}

// resolve looks up the stream handle for key. On the first successful
// resolution for an exchange, the loading stage is emitted exactly once.
// Unresolvable keys return false and the caller skips the event.
func (r *Run) resolve(key registry.Key) (*stream.Handle, bool) {
	if key.SessionID == "" || key.ExchangeID == "" {
		return nil, false
	}
	h, ok := r.d.registry.Lookup(key)
	if !ok {
		return nil, false
	}
	if !r.started[key.ExchangeID] {
		r.started[key.ExchangeID] = true
		r.setStage(h, key, StageLoading)
	}
	r.streamStarted = true
	return h, true
}

// setStage emits a stage label and records it in exchange history.
func (r *Run) setStage(h *stream.Handle, key registry.Key, label string) {
	h.Stage(label)
	if r.d.stages != nil && key.SessionID != "" && key.ExchangeID != "" {
		if err := r.d.stages.UpdateExchangeStage(key.SessionID, key.ExchangeID, label); err != nil {
			slog.Warn("dispatch: failed to persist stage", "sessionID", key.SessionID, "exchangeID", key.ExchangeID, "error", err)
		}
	}
}

// handleStreamError handles a top-level error event. Cancellation and
// authorization failures get dedicated paths; everything else emits a
// user-facing error and tears the session down.
func (r *Run) handleStreamError(errEv *sidecar.ErrorEvent) (bool, error) {
	msg := ""
	if errEv != nil {
		msg = errEv.Message
	}

	switch classifyMessage(msg) {
	case errCancelled:
		if h, ok := r.d.registry.Latest(); ok {
			r.setStage(h, registry.Key{SessionID: h.SessionID(), ExchangeID: h.ExchangeID()}, StageCancelled)
		}
		r.teardownSession()
		return true, nil

	case errUnauthorized:
		if r.opts.OnUnauthorized != nil {
			r.opts.OnUnauthorized()
		}
		return true, ErrUnauthorized

	default:
		userMsg := msgGenericFailure
		if classifyMessage(msg) == errMalformedTool {
			userMsg = msgMalformedToolOutput
		}
		h, key := r.errorTarget()
		if h != nil {
			h.ToolError(userMsg)
			r.setStage(h, key, StageError)
		}
		r.d.reporter.ReportError(errors.New(msg), "dispatch", r.sessionID, key.ExchangeID, nil)
		if r.opts.OnError != nil {
			r.opts.OnError(errors.New(msg))
		}
		r.teardownSession()
		return true, nil
	}
}

// errorTarget resolves a stream to carry a terminal error: the latest
// looked-up handle, or a lazily allocated exchange when none exists.
func (r *Run) errorTarget() (*stream.Handle, registry.Key) {
	if h, ok := r.d.registry.Latest(); ok {
		return h, registry.Key{SessionID: h.SessionID(), ExchangeID: h.ExchangeID()}
	}
	if r.d.surface == nil {
		return nil, registry.Key{}
	}

	key := registry.Key{SessionID: r.sessionID, ExchangeID: uuid.NewString()}
	sink, err := r.d.surface.OpenSink(key.SessionID, key.ExchangeID)
	if err != nil {
		slog.Warn("dispatch: could not allocate error stream", "sessionID", r.sessionID, "error", err)
		return nil, registry.Key{}
	}
	h := stream.NewHandle(key.SessionID, key.ExchangeID, sink)
	r.d.registry.Register(key, h)
	r.d.registry.Lookup(key)
	return h, key
}

// handleExchange maps exchange lifecycle states to stage labels and
// tears down on terminal states.
func (r *Run) handleExchange(ev *sidecar.ExchangeEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}

	// Execution-scope cancellations can arrive with no identifiers;
	// route them to the latest stream and drop every open stream.
	if ev.SessionID == "" || ev.ExchangeID == "" {
		if ev.Scope == sidecar.ScopeExecution && ev.State == sidecar.StateCancelled {
			if h, ok := r.d.registry.Latest(); ok {
				r.setStage(h, registry.Key{SessionID: h.SessionID(), ExchangeID: h.ExchangeID()}, StageCancelled)
			}
			r.teardownSession()
		}
		return false, nil
	}

	key := registry.Key{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID}
	h, ok := r.resolve(key)
	if !ok {
		return false, nil
	}

	switch ev.State {
	case sidecar.StateLoading:
		r.setStage(h, key, StageLoading)
	case sidecar.StateCancelled:
		r.setStage(h, key, StageCancelled)
		h.MarkComplete()
	case sidecar.StateAccepted:
		r.setStage(h, key, StageAccepted)
	case sidecar.StateInference:
		r.setStage(h, key, StageWorking)
	case sidecar.StateInReview:
		r.setStage(h, key, StageInReview)
	case sidecar.StateMarkedComplete, sidecar.StateFinishedExchange:
		label := StageComplete
		if ev.State == sidecar.StateFinishedExchange {
			label = StageFinished
		}
		r.setStage(h, key, label)
		r.teardownExchange(key, h)
		if ev.Scope == sidecar.ScopePlan || ev.Scope == sidecar.ScopeEdits {
			return true, nil
		}
	default:
		slog.Warn("dispatch: unknown exchange state", "state", ev.State)
	}
	return false, nil
}

// handleFramework dispatches tool-lifecycle sub-events.
func (r *Run) handleFramework(ev *sidecar.FrameworkEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}
	key := registry.Key{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID}
	h, ok := r.resolve(key)
	if !ok {
		return false, nil
	}

	switch ev.Kind {
	case sidecar.FrameworkFileOpen:
		if ev.FileOpen != nil {
			h.FileReference(ev.FileOpen.Path)
		}
		return false, nil

	case sidecar.FrameworkThinking:
		if ev.Thinking != nil {
			r.emitThinking(h, ev.ExchangeID, ev.Thinking.Text)
		}
		return false, nil

	case sidecar.FrameworkToolParameter:
		if ev.ToolParameter != nil {
			r.emitToolParameter(h, ev.ToolParameter)
		}
		return false, nil

	case sidecar.FrameworkToolUse:
		if ev.ToolUse != nil && sidecar.IsTerminalTool(ev.ToolUse.Tool) {
			r.setStage(h, key, StageComplete)
			r.teardownSession()
			return true, nil
		}
		return false, nil

	case sidecar.FrameworkToolCallError:
		msg := ""
		if ev.ToolCallError != nil {
			msg = ev.ToolCallError.Message
		}
		return r.handleToolCallError(h, key, msg)

	default:
		slog.Warn("dispatch: unknown framework event kind", "kind", ev.Kind)
		return false, nil
	}
}

// emitThinking diffs the cumulative thinking text against the cached
// value for the exchange and emits only the new suffix.
func (r *Run) emitThinking(h *stream.Handle, exchangeID, cumulative string) {
	prev := r.thinking[exchangeID]
	r.thinking[exchangeID] = cumulative
	if strings.HasPrefix(cumulative, prev) {
		if suffix := cumulative[len(prev):]; suffix != "" {
			h.Markdown(suffix)
		}
		return
	}
	// The sidecar restarted its cumulative text; emit it whole.
	h.Markdown(cumulative)
}

// emitToolParameter routes a discovered parameter by field name.
func (r *Run) emitToolParameter(h *stream.Handle, p *sidecar.ToolParameterEvent) {
	switch p.Name {
	case "path", "file_path", "directory_path":
		h.FileReference(p.Value)
	case "instruction", "result", "command", "regex_pattern", "file_pattern":
		h.Markdown("\n\n" + p.Value)
	case "question":
		h.Markdown("\n\n" + p.Value)
		h.MarkComplete()
	default:
		// Unknown parameters are internal tool plumbing, not output.
	}
}

// handleToolCallError classifies a tool failure by its message and ends
// the interaction with a matching user-facing outcome.
func (r *Run) handleToolCallError(h *stream.Handle, key registry.Key, msg string) (bool, error) {
	switch classifyMessage(msg) {
	case errCancelled:
		r.setStage(h, key, StageCancelled)
		r.teardownSession()
		return true, nil
	case errUnauthorized:
		if r.opts.OnUnauthorized != nil {
			r.opts.OnUnauthorized()
		}
		return true, ErrUnauthorized
	case errRateLimited:
		h.ToolError(msgRateLimited)
		r.setStage(h, key, StageError)
	default:
		h.ToolError(msgMalformedToolOutput)
		r.setStage(h, key, StageError)
	}
	r.d.reporter.ReportError(errors.New(msg), "dispatch.tool", key.SessionID, key.ExchangeID, nil)
	if r.opts.OnError != nil {
		r.opts.OnError(errors.New(msg))
	}
	r.teardownSession()
	return true, nil
}

// handleEditRequest opens a streamed edit session for the announced
// request. Open failures are reported but do not end the interaction.
func (r *Run) handleEditRequest(ev *sidecar.RequestEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}
	key := registry.Key{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID}
	h, ok := r.resolve(key)
	if !ok {
		return false, nil
	}

	if r.d.edits != nil {
		err := r.d.edits.HandleStart(editstream.StartRequest{
			EditRequestID: ev.EditRequestID,
			Path:          ev.Path,
			ExchangeID:    ev.ExchangeID,
		})
		if err != nil {
			slog.Warn("dispatch: edit request start failed", "editRequestID", ev.EditRequestID, "path", ev.Path, "error", err)
			r.d.reporter.ReportError(err, "dispatch.edit", ev.SessionID, ev.ExchangeID, map[string]interface{}{"path": ev.Path})
			h.ToolError(fmt.Sprintf("Could not open %s for editing.", ev.Path))
			return false, nil
		}
	}
	h.FileReference(ev.Path)
	return false, nil
}

// handleEditRequestFinished closes the matching edit session.
func (r *Run) handleEditRequestFinished(ev *sidecar.EditRequestFinishedEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}
	key := registry.Key{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID}
	if _, ok := r.resolve(key); !ok {
		return false, nil
	}

	if r.d.edits != nil {
		if _, err := r.d.edits.HandleEnd(ev.EditRequestID); err != nil {
			slog.Warn("dispatch: edit request end failed", "editRequestID", ev.EditRequestID, "error", err)
			r.d.reporter.ReportError(err, "dispatch.edit", ev.SessionID, ev.ExchangeID, nil)
		}
	}
	return false, nil
}

// handlePlan renders plan construction events.
func (r *Run) handlePlan(ev *sidecar.PlanEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}
	key := registry.Key{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID}
	h, ok := r.resolve(key)
	if !ok {
		return false, nil
	}

	switch {
	case ev.StepAdded != nil:
		r.setStage(h, key, StagePlanning)
		h.PlanStep(ev.StepAdded.Index, ev.StepAdded.Title)
	case ev.StepDelta != nil:
		h.PlanStepDelta(ev.StepDelta.Index, ev.StepDelta.Delta)
	}
	return false, nil
}

// teardownSession closes and deregisters every open stream for this
// run's session and clears the per-interaction caches.
func (r *Run) teardownSession() {
	for _, key := range r.d.registry.Keys() {
		if key.SessionID != r.sessionID {
			continue
		}
		if h, ok := r.d.registry.Lookup(key); ok {
			h.Close()
		}
		r.d.registry.Remove(key)
	}
	r.cleanup()
}

// teardownExchange closes and deregisters one exchange's stream.
func (r *Run) teardownExchange(key registry.Key, h *stream.Handle) {
	h.Close()
	r.d.registry.Remove(key)
	delete(r.started, key.ExchangeID)
	delete(r.thinking, key.ExchangeID)
}
