// Package bus implements the bidirectional envelope protocol between the
// host engine and the embedded script context. Delivery is fire-and-forget
// at the transport level; request/response reliability is layered above it
// by correlating on RequestID. Malformed inbound messages are logged and
// dropped, never fatal.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/logging"
)

var (
	// ErrRequestTimeout signals that a correlated request was not answered
	// within the deadline.
	ErrRequestTimeout = errors.New("bus: request timed out")
	// ErrBusClosed signals sends after Close.
	ErrBusClosed = errors.New("bus: closed")
)

// Transport delivers outbound envelopes into the embedded context. There is
// no delivery acknowledgement primitive; the bus never retries.
type Transport interface {
	Deliver(env Envelope) error
}

// Handler consumes inbound envelopes of a registered type.
type Handler func(env Envelope)

// Bus routes inbound envelopes to handlers by type and sends outbound
// envelopes through the transport. Dispatch is synchronous per message;
// messages are processed in arrival order.
type Bus struct {
	transport Transport
	logger    *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	// onEnvelope, when set, observes traffic for metrics.
	onEnvelope func(msgType, direction string)
	onDropped  func(reason string)
}

// New creates a bus over the given transport.
func New(transport Transport, logger *logging.Logger) *Bus {
	return &Bus{
		transport: transport,
		logger:    logger,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]chan Envelope),
	}
}

// WithObserver installs traffic callbacks (used by monitoring).
func (b *Bus) WithObserver(onEnvelope func(msgType, direction string), onDropped func(reason string)) *Bus {
	b.onEnvelope = onEnvelope
	b.onDropped = onDropped
	return b
}

// Handle registers a handler for an inbound envelope type. A second
// registration for the same type replaces the first.
func (b *Bus) Handle(msgType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = h
}

// Send delivers an envelope to the embedded context. Fire-and-forget:
// a nil error means handed to the transport, not processed.
func (b *Bus) Send(env Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if b.onEnvelope != nil {
		b.onEnvelope(env.Type, "out")
	}
	return b.transport.Deliver(env)
}

// Request sends an envelope carrying a RequestID and blocks until the
// embedded context answers with an envelope referencing the same id, the
// context is cancelled, or the timeout elapses. Exactly one response is
// consumed; late responses are dropped by Dispatch.
func (b *Bus) Request(ctx context.Context, env Envelope, timeout time.Duration) (Envelope, error) {
	if env.RequestID == "" {
		return Envelope{}, errors.New("bus: request envelope requires a request id")
	}

	ch := make(chan Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.RequestID] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, env.RequestID)
		b.pendingMu.Unlock()
	}()

	if err := b.Send(env); err != nil {
		return Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Dispatch parses a raw inbound message and routes it. Parsing failures
// are logged and dropped. A response matching a pending request completes
// that request instead of reaching handlers. Handler panics are isolated:
// one handler blowing up does not take down dispatch.
func (b *Bus) Dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("Dropping malformed inbound message", zap.Error(err))
		if b.onDropped != nil {
			b.onDropped("malformed")
		}
		return
	}
	if env.Type == "" {
		b.logger.Warn("Dropping inbound message without type")
		if b.onDropped != nil {
			b.onDropped("untyped")
		}
		return
	}

	if b.onEnvelope != nil {
		b.onEnvelope(env.Type, "in")
	}

	if env.RequestID != "" {
		b.pendingMu.Lock()
		ch, ok := b.pending[env.RequestID]
		if ok {
			delete(b.pending, env.RequestID)
		}
		b.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	b.mu.RLock()
	handler, ok := b.handlers[env.Type]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("No handler for inbound envelope", zap.String("type", env.Type))
		if b.onDropped != nil {
			b.onDropped("unhandled")
		}
		return
	}

	b.invoke(handler, env)
}

// invoke runs a handler with panic isolation.
func (b *Bus) invoke(handler Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.String("type", env.Type),
				zap.Any("panic", r),
			)
		}
	}()
	handler(env)
}

// Close rejects further sends. In-flight requests time out on their own.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
