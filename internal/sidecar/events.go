// Package sidecar provides the HTTP client for the external sidecar process
// and the typed event stream it produces. Each interaction call yields one
// long-lived NDJSON stream of tagged events; every line carries a "type"
// discriminator and exactly one payload.
package sidecar

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the top-level event union.
type Kind string

const (
	KindKeepAlive           Kind = "keep_alive"
	KindStartAck            Kind = "start_ack"
	KindDone                Kind = "done"
	KindError               Kind = "error"
	KindFramework           Kind = "framework"
	KindSymbol              Kind = "symbol"
	KindSymbolSubStep       Kind = "symbol_substep"
	KindRequest             Kind = "request"
	KindEditRequestFinished Kind = "edit_request_finished"
	KindChat                Kind = "chat"
	KindPlan                Kind = "plan"
	KindExchange            Kind = "exchange"
)

// Event is the top-level tagged union. Exactly one payload pointer is
// non-nil, matching Kind. Events without a payload (keep_alive, done)
// carry only the Kind.
type Event struct {
	Kind Kind

	StartAck            *StartAckEvent
	Err                 *ErrorEvent
	Framework           *FrameworkEvent
	Symbol              *SymbolEvent
	SymbolSubStep       *SymbolSubStepEvent
	Request             *RequestEvent
	EditRequestFinished *EditRequestFinishedEvent
	Chat                *ChatEvent
	Plan                *PlanEvent
	Exchange            *ExchangeEvent
}

// StartAckEvent acknowledges stream startup.
type StartAckEvent struct {
	Started bool `json:"started"`
}

// ErrorEvent is a top-level stream error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// FrameworkKind discriminates tool-lifecycle sub-events.
type FrameworkKind string

const (
	FrameworkFileOpen      FrameworkKind = "file_open"
	FrameworkThinking      FrameworkKind = "thinking"
	FrameworkToolParameter FrameworkKind = "tool_parameter"
	FrameworkToolUse       FrameworkKind = "tool_use"
	FrameworkToolCallError FrameworkKind = "tool_call_error"
)

// FrameworkEvent is a tool-lifecycle sub-union scoped to one exchange.
type FrameworkEvent struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`

	Kind FrameworkKind

	FileOpen      *FileOpenEvent
	Thinking      *ThinkingEvent
	ToolParameter *ToolParameterEvent
	ToolUse       *ToolUseEvent
	ToolCallError *ToolCallErrorEvent
}

// FileOpenEvent reports that a tool opened a file.
type FileOpenEvent struct {
	Path string `json:"path"`
}

// ThinkingEvent carries the cumulative thinking text seen so far.
// Consumers diff against the previous cumulative value per exchange.
type ThinkingEvent struct {
	Text string `json:"text"`
}

// ToolParameterEvent reports a discovered tool parameter by field name.
type ToolParameterEvent struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ToolUseEvent reports that a tool invocation was detected.
type ToolUseEvent struct {
	Tool string `json:"tool"`
}

// Terminal tool names: detecting one of these ends the interaction.
const (
	ToolAttemptCompletion   = "attempt_completion"
	ToolAskFollowupQuestion = "ask_followup_question"
)

// IsTerminalTool reports whether the tool name ends the interaction.
func IsTerminalTool(tool string) bool {
	return tool == ToolAttemptCompletion || tool == ToolAskFollowupQuestion
}

// ToolCallErrorEvent reports a tool invocation failure.
type ToolCallErrorEvent struct {
	Message string `json:"message"`
}

// SymbolEvent reports symbol-navigation activity. Observational only.
type SymbolEvent struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
}

// SymbolSubStepEvent is a nested step within a symbol navigation.
// Observational only.
type SymbolSubStepEvent struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Symbol     string `json:"symbol"`
	Step       string `json:"step"`
}

// RequestEvent announces that the sidecar opened an edit request. The edit
// content itself arrives through the inbound control server, not this stream.
type RequestEvent struct {
	SessionID     string `json:"sessionId"`
	ExchangeID    string `json:"exchangeId"`
	EditRequestID string `json:"editRequestId"`
	Path          string `json:"path"`
}

// EditRequestFinishedEvent marks the end of an edit request.
type EditRequestFinishedEvent struct {
	SessionID     string `json:"sessionId"`
	ExchangeID    string `json:"exchangeId"`
	EditRequestID string `json:"editRequestId"`
}

// ChatEvent carries an incremental chat text delta. Delta is nil when the
// sidecar emits a frame with no new text.
type ChatEvent struct {
	SessionID  string  `json:"sessionId"`
	ExchangeID string  `json:"exchangeId"`
	Delta      *string `json:"delta"`
}

// PlanEvent carries plan-construction sub-events. Exactly one of StepAdded
// and StepDelta is set.
type PlanEvent struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`

	StepAdded *PlanStepAdded `json:"stepAdded,omitempty"`
	StepDelta *PlanStepDelta `json:"stepDelta,omitempty"`
}

// PlanStepAdded adds a titled step to the plan.
type PlanStepAdded struct {
	Index int    `json:"index"`
	Title string `json:"title"`
}

// PlanStepDelta appends text to an existing step's description.
type PlanStepDelta struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// ExchangeScope identifies which exchange surface a state change applies to.
type ExchangeScope string

const (
	ScopePlan      ExchangeScope = "plan"
	ScopeEdits     ExchangeScope = "edits"
	ScopeExecution ExchangeScope = "execution"
)

// ExchangeState is the small enumerated exchange lifecycle state.
type ExchangeState string

const (
	StateLoading          ExchangeState = "loading"
	StateCancelled        ExchangeState = "cancelled"
	StateMarkedComplete   ExchangeState = "marked_complete"
	StateAccepted         ExchangeState = "accepted"
	StateInference        ExchangeState = "inference"
	StateInReview         ExchangeState = "in_review"
	StateFinishedExchange ExchangeState = "finished"
)

// ExchangeEvent reports an exchange state transition. SessionID and
// ExchangeID may be empty for execution-scope cancellation events.
type ExchangeEvent struct {
	SessionID  string        `json:"sessionId"`
	ExchangeID string        `json:"exchangeId"`
	Scope      ExchangeScope `json:"scope"`
	State      ExchangeState `json:"state"`
}

// eventFrame is the wire shape of one NDJSON line.
type eventFrame struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes one tagged event line, populating exactly the
// payload pointer matching the discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode event frame: %w", err)
	}

	*e = Event{Kind: frame.Type}

	decode := func(v interface{}) error {
		if len(frame.Payload) == 0 {
			return fmt.Errorf("event %q missing payload", frame.Type)
		}
		if err := json.Unmarshal(frame.Payload, v); err != nil {
			return fmt.Errorf("decode %q payload: %w", frame.Type, err)
		}
		return nil
	}

	switch frame.Type {
	case KindKeepAlive, KindDone:
		return nil
	case KindStartAck:
		e.StartAck = new(StartAckEvent)
		return decode(e.StartAck)
	case KindError:
		e.Err = new(ErrorEvent)
		return decode(e.Err)
	case KindFramework:
		e.Framework = new(FrameworkEvent)
		return decode(e.Framework)
	case KindSymbol:
		e.Symbol = new(SymbolEvent)
		return decode(e.Symbol)
	case KindSymbolSubStep:
		e.SymbolSubStep = new(SymbolSubStepEvent)
		return decode(e.SymbolSubStep)
	case KindRequest:
		e.Request = new(RequestEvent)
		return decode(e.Request)
	case KindEditRequestFinished:
		e.EditRequestFinished = new(EditRequestFinishedEvent)
		return decode(e.EditRequestFinished)
	case KindChat:
		e.Chat = new(ChatEvent)
		return decode(e.Chat)
	case KindPlan:
		e.Plan = new(PlanEvent)
		return decode(e.Plan)
	case KindExchange:
		e.Exchange = new(ExchangeEvent)
		return decode(e.Exchange)
	default:
		return fmt.Errorf("unknown event type %q", frame.Type)
	}
}

// MarshalJSON encodes the event back into its wire frame. Used by tests
// and by the control server when echoing cancellation follow-up events.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Kind {
	case KindKeepAlive, KindDone:
		payload = nil
	case KindStartAck:
		payload = e.StartAck
	case KindError:
		payload = e.Err
	case KindFramework:
		payload = e.Framework
	case KindSymbol:
		payload = e.Symbol
	case KindSymbolSubStep:
		payload = e.SymbolSubStep
	case KindRequest:
		payload = e.Request
	case KindEditRequestFinished:
		payload = e.EditRequestFinished
	case KindChat:
		payload = e.Chat
	case KindPlan:
		payload = e.Plan
	case KindExchange:
		payload = e.Exchange
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}

	frame := struct {
		Type    Kind        `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: e.Kind, Payload: payload}
	return json.Marshal(frame)
}

// frameworkFrame is the wire shape of a framework sub-event.
type frameworkFrame struct {
	SessionID  string          `json:"sessionId"`
	ExchangeID string          `json:"exchangeId"`
	Kind       FrameworkKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes a framework sub-event, populating exactly one
// payload pointer.
func (f *FrameworkEvent) UnmarshalJSON(data []byte) error {
	var frame frameworkFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode framework frame: %w", err)
	}

	*f = FrameworkEvent{
		SessionID:  frame.SessionID,
		ExchangeID: frame.ExchangeID,
		Kind:       frame.Kind,
	}

	decode := func(v interface{}) error {
		if len(frame.Payload) == 0 {
			return fmt.Errorf("framework event %q missing payload", frame.Kind)
		}
		if err := json.Unmarshal(frame.Payload, v); err != nil {
			return fmt.Errorf("decode framework %q payload: %w", frame.Kind, err)
		}
		return nil
	}

	switch frame.Kind {
	case FrameworkFileOpen:
		f.FileOpen = new(FileOpenEvent)
		return decode(f.FileOpen)
	case FrameworkThinking:
		f.Thinking = new(ThinkingEvent)
		return decode(f.Thinking)
	case FrameworkToolParameter:
		f.ToolParameter = new(ToolParameterEvent)
		return decode(f.ToolParameter)
	case FrameworkToolUse:
		f.ToolUse = new(ToolUseEvent)
		return decode(f.ToolUse)
	case FrameworkToolCallError:
		f.ToolCallError = new(ToolCallErrorEvent)
		return decode(f.ToolCallError)
	default:
		return fmt.Errorf("unknown framework event kind %q", frame.Kind)
	}
}

// MarshalJSON encodes the framework sub-event back into its wire frame.
func (f FrameworkEvent) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch f.Kind {
	case FrameworkFileOpen:
		payload = f.FileOpen
	case FrameworkThinking:
		payload = f.Thinking
	case FrameworkToolParameter:
		payload = f.ToolParameter
	case FrameworkToolUse:
		payload = f.ToolUse
	case FrameworkToolCallError:
		payload = f.ToolCallError
	default:
		return nil, fmt.Errorf("unknown framework kind %q", f.Kind)
	}

	frame := struct {
		SessionID  string        `json:"sessionId"`
		ExchangeID string        `json:"exchangeId"`
		Kind       FrameworkKind `json:"kind"`
		Payload    interface{}   `json:"payload,omitempty"`
	}{SessionID: f.SessionID, ExchangeID: f.ExchangeID, Kind: f.Kind, Payload: payload}
	return json.Marshal(frame)
}
