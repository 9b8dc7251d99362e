// Package driver runs one agent interaction end to end: it registers the
// exchange's output stream, acquires a credential, opens the sidecar
// event stream, and hands it to the dispatcher. Authorization failures
// get exactly one retry with a refreshed credential.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/editor-bridge/internal/dispatch"
	"github.com/workspace/editor-bridge/internal/registry"
	"github.com/workspace/editor-bridge/internal/sidecar"
	"github.com/workspace/editor-bridge/internal/stream"
)

// ErrUnauthorizedTerminal is returned after a retried call fails
// authorization again, when the terminal policy is enabled.
var ErrUnauthorizedTerminal = errors.New("sidecar rejected refreshed credential")

// msgCredentialFailure is the generic message routed through the
// dispatcher's error path when the terminal policy is disabled. Worded to
// avoid the classifier's authorization bucket, which would loop.
const msgCredentialFailure = "could not establish a trusted sidecar connection"

// Credentials supplies sidecar credentials. Token performs the cheap
// local check; Refresh fetches and fully validates a new credential.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Streamer opens interaction event streams. Satisfied by sidecar.Client.
type Streamer interface {
	Stream(ctx context.Context, mode sidecar.Mode, req sidecar.InteractionRequest, credential string) (<-chan sidecar.Event, error)
}

// Request is one user-initiated interaction.
type Request struct {
	SessionID  string          `json:"sessionId"`
	ExchangeID string          `json:"exchangeId"`
	Prompt     string          `json:"prompt"`
	Mode       sidecar.Mode    `json:"mode"`
	Anchor     *sidecar.Anchor `json:"anchor,omitempty"`
}

// Driver starts at most one dispatcher per (session, exchange) pair.
type Driver struct {
	creds      Credentials
	client     Streamer
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	surface    stream.Surface

	// unauthorizedTerminal controls what a second authorization failure
	// does: return a typed error, or fall through to the dispatcher's
	// generic error path.
	unauthorizedTerminal bool

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a session driver.
func New(creds Credentials, client Streamer, dispatcher *dispatch.Dispatcher, reg *registry.Registry, surface stream.Surface, unauthorizedTerminal bool) *Driver {
	return &Driver{
		creds:                creds,
		client:               client,
		dispatcher:           dispatcher,
		registry:             reg,
		surface:              surface,
		unauthorizedTerminal: unauthorizedTerminal,
		inflight:             make(map[string]bool),
	}
}

// Handle runs one interaction. A request for a (session, exchange) pair
// that already has a running dispatcher is ignored, which guarantees at
// most one concurrent dispatcher per pair.
func (d *Driver) Handle(ctx context.Context, req Request) error {
	if req.SessionID == "" || req.ExchangeID == "" {
		return fmt.Errorf("session and exchange ids are required")
	}
	if req.Mode == "" {
		req.Mode = sidecar.ModeChat
	}

	key := registry.Key{SessionID: req.SessionID, ExchangeID: req.ExchangeID}

	d.mu.Lock()
	if d.inflight[key.String()] {
		d.mu.Unlock()
		slog.Info("driver: interaction already in flight, ignoring", "sessionID", req.SessionID, "exchangeID", req.ExchangeID)
		return nil
	}
	d.inflight[key.String()] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, key.String())
		d.mu.Unlock()
	}()

	if err := d.openStream(key); err != nil {
		return err
	}

	return d.run(ctx, key, req)
}

// openStream registers the exchange's output stream unless one exists.
func (d *Driver) openStream(key registry.Key) error {
	if _, ok := d.registry.Lookup(key); ok {
		return nil
	}
	sink, err := d.surface.OpenSink(key.SessionID, key.ExchangeID)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	d.registry.Register(key, stream.NewHandle(key.SessionID, key.ExchangeID, sink))
	return nil
}

// run executes the interaction with one free retry for authorization
// failures and one for streams that never start.
func (d *Driver) run(ctx context.Context, key registry.Key, req Request) error {
	credential, err := d.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}

	hasRetried := false
	retriedConnection := false

	for {
		err := d.attempt(ctx, req, credential)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, dispatch.ErrUnauthorized):
			if !hasRetried {
				hasRetried = true
				slog.Info("driver: credential rejected, retrying once with refreshed credential", "sessionID", req.SessionID, "exchangeID", req.ExchangeID)
				credential, err = d.creds.Refresh(ctx)
				if err != nil {
					return d.fail(key, fmt.Errorf("refresh credential: %w", err))
				}
				continue
			}
			if d.unauthorizedTerminal {
				d.teardown(key)
				return fmt.Errorf("%w: session %s exchange %s", ErrUnauthorizedTerminal, req.SessionID, req.ExchangeID)
			}
			return d.fail(key, errors.New(msgCredentialFailure))

		case errors.Is(err, dispatch.ErrConnectionFailed):
			if !retriedConnection {
				retriedConnection = true
				slog.Warn("driver: stream never started, retrying once", "sessionID", req.SessionID, "exchangeID", req.ExchangeID)
				continue
			}
			return d.fail(key, err)

		default:
			return err
		}
	}
}

// attempt opens one event stream and drains it through the dispatcher.
func (d *Driver) attempt(ctx context.Context, req Request, credential string) error {
	events, err := d.client.Stream(ctx, req.Mode, sidecar.InteractionRequest{
		SessionID:  req.SessionID,
		ExchangeID: req.ExchangeID,
		Prompt:     req.Prompt,
		Anchor:     req.Anchor,
	}, credential)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrConnectionFailed, err)
	}

	return d.dispatcher.Run(ctx, req.SessionID, events, dispatch.Options{})
}

// teardown closes and deregisters the exchange's output stream. Used on
// exits that bypass the dispatcher's own cleanup.
func (d *Driver) teardown(key registry.Key) {
	if h, ok := d.registry.Lookup(key); ok {
		h.Close()
	}
	d.registry.Remove(key)
}

// fail routes a terminal failure through the dispatcher's error path so
// the user sees a message and the streams are torn down, then returns nil
// because the failure was fully handled.
func (d *Driver) fail(key registry.Key, cause error) error {
	slog.Error("driver: interaction failed", "sessionID", key.SessionID, "exchangeID", key.ExchangeID, "error", cause)
	d.dispatcher.Forward(key.SessionID, []sidecar.Event{{
		Kind: sidecar.KindError,
		Err:  &sidecar.ErrorEvent{Message: cause.Error()},
	}})
	return nil
}
