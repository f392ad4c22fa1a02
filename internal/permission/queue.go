// Package permission queues camera/microphone permission requests raised
// by the embedded context. Requests move Queued -> Pending -> Resolved;
// exactly one request is Pending at a time and FIFO order is preserved.
package permission

import (
	"sync"

	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/logging"
)

// DefaultQueueDepth bounds the queue when no configuration is supplied.
const DefaultQueueDepth = 32

// Decision is the outcome the decision layer hands back for a request.
type Decision string

const (
	// DecisionSimulate answers the request with the synthetic device set.
	DecisionSimulate Decision = "simulate"
	// DecisionAllowReal passes the real device through untouched.
	DecisionAllowReal Decision = "allow"
	// DecisionDeny rejects the request.
	DecisionDeny Decision = "deny"
)

// Request is one inbound permission request. Never re-enqueued.
type Request struct {
	RequestID         string `json:"request_id"`
	URL               string `json:"url"`
	Origin            string `json:"origin"`
	WantsVideo        bool   `json:"wants_video"`
	WantsAudio        bool   `json:"wants_audio"`
	RequestedFacing   string `json:"requested_facing,omitempty"`
	RequestedDeviceID string `json:"requested_device_id,omitempty"`
}

// DecisionPayload is the body of the correlated decision envelope.
type DecisionPayload struct {
	Decision Decision `json:"decision"`
	Protocol string   `json:"protocol,omitempty"`
}

// Sender delivers correlated decision envelopes. Satisfied by *bus.Bus.
type Sender interface {
	Send(env bus.Envelope) error
}

// Queue admits one request at a time to the decision layer.
type Queue struct {
	sender Sender
	logger *logging.Logger
	depth  int

	mu      sync.Mutex
	queued  []Request
	pending *Request

	// onPendingChange observes promotion for the host UI; nil pending
	// means the queue drained.
	onPendingChange func(pending *Request)
	// onDepthChange observes queue depth for metrics.
	onDepthChange func(depth int)
}

// NewQueue creates a bounded queue. A non-positive depth selects the
// default bound.
func NewQueue(depth int, sender Sender, logger *logging.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{sender: sender, logger: logger, depth: depth}
}

// WithObservers installs host-UI and metrics callbacks.
func (q *Queue) WithObservers(onPending func(*Request), onDepth func(int)) *Queue {
	q.onPendingChange = onPending
	q.onDepthChange = onDepth
	return q
}

// Enqueue admits a request. If the queue is at capacity the request is
// denied immediately instead of growing without bound.
func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	if q.pending != nil && len(q.queued) >= q.depth {
		q.mu.Unlock()
		q.logger.Warn("Permission queue full, denying request",
			zap.String("request_id", req.RequestID),
			zap.String("origin", req.Origin),
		)
		q.sendDecision(req.RequestID, DecisionPayload{Decision: DecisionDeny})
		return
	}

	if q.pending == nil {
		q.pending = &req
		q.mu.Unlock()
		q.notifyPending(&req)
		q.notifyDepth()
		return
	}

	q.queued = append(q.queued, req)
	q.mu.Unlock()
	q.notifyDepth()
}

// CurrentPending returns the request currently exposed to the decision
// layer, if any.
func (q *Queue) CurrentPending() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return Request{}, false
	}
	return *q.pending, true
}

// QueuedLen returns the number of requests waiting behind the pending one.
func (q *Queue) QueuedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Resolve answers the currently pending request. A requestID that does not
// match the pending request is a logged no-op: stale or duplicate
// resolutions must not corrupt queue order.
func (q *Queue) Resolve(requestID string, payload DecisionPayload) {
	q.mu.Lock()
	if q.pending == nil || q.pending.RequestID != requestID {
		q.mu.Unlock()
		q.logger.Warn("Ignoring resolution for non-pending request",
			zap.String("request_id", requestID),
		)
		return
	}

	q.pending = nil
	var next *Request
	if len(q.queued) > 0 {
		promoted := q.queued[0]
		q.queued = q.queued[1:]
		q.pending = &promoted
		next = &promoted
	}
	q.mu.Unlock()

	q.sendDecision(requestID, payload)
	q.notifyPending(next)
	q.notifyDepth()
}

// sendDecision emits the correlated decision envelope.
func (q *Queue) sendDecision(requestID string, payload DecisionPayload) {
	env, err := bus.NewReply(bus.TypePermissionDecision, requestID, payload)
	if err != nil {
		q.logger.Error("Failed to encode permission decision", zap.Error(err))
		return
	}
	if err := q.sender.Send(env); err != nil {
		q.logger.Error("Failed to send permission decision",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

func (q *Queue) notifyPending(pending *Request) {
	if q.onPendingChange != nil {
		q.onPendingChange(pending)
	}
}

func (q *Queue) notifyDepth() {
	if q.onDepthChange == nil {
		return
	}
	q.mu.Lock()
	depth := len(q.queued)
	if q.pending != nil {
		depth++
	}
	q.mu.Unlock()
	q.onDepthChange(depth)
}
