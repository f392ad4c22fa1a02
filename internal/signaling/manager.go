package signaling

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/shared/clock"
)

// DefaultTimeout bounds a negotiation from offer receipt to establishment.
const DefaultTimeout = 30 * time.Second

// DefaultMaxSessions bounds the active session set.
const DefaultMaxSessions = 8

// Error codes carried in signal_error envelopes.
const (
	codeMalformedOffer   = "malformed_offer"
	codeDuplicateSession = "duplicate_session"
	codeTooManySessions  = "too_many_sessions"
	codeAnswerFailed     = "answer_failed"
	codeTimeout          = "timeout"
)

// Sender delivers correlated envelopes back to the embedded context.
type Sender interface {
	Send(env bus.Envelope) error
}

// Manager owns all active signaling sessions, at most one per request id.
type Manager struct {
	sender      Sender
	peers       PeerFactory
	clock       clock.Clock
	timeout     time.Duration
	maxSessions int
	logger      *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session

	// onStatusChange observes session lifecycle for the host UI.
	onStatusChange func([]Status)
	// onActiveChange observes the active-session count for metrics.
	onActiveChange func(active int)
}

// NewManager creates a session manager. Zero values select defaults.
func NewManager(sender Sender, peers PeerFactory, clk clock.Clock, timeout time.Duration, maxSessions int, logger *logging.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		sender:      sender,
		peers:       peers,
		clock:       clk,
		timeout:     timeout,
		maxSessions: maxSessions,
		logger:      logger,
		sessions:    make(map[string]*session),
	}
}

// WithObservers installs host-UI and metrics callbacks.
func (m *Manager) WithObservers(onStatus func([]Status), onActive func(int)) *Manager {
	m.onStatusChange = onStatus
	m.onActiveChange = onActive
	return m
}

// HandleOffer processes an inbound offer envelope. A second offer for the
// same request id while a session is non-terminal is rejected with an
// error envelope; the first session is unaffected.
func (m *Manager) HandleOffer(requestID string, offer webrtc.SessionDescription) {
	m.mu.Lock()
	if existing, ok := m.sessions[requestID]; ok && !existing.state.Terminal() {
		m.mu.Unlock()
		m.logger.Warn("Rejecting duplicate offer",
			zap.String("request_id", requestID),
			zap.String("state", existing.state.String()),
		)
		m.sendError(requestID, codeDuplicateSession, "a session for this request is already active")
		return
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.sendError(requestID, codeTooManySessions, "active session limit reached")
		return
	}

	if !validateOffer(offer) {
		// Malformed offers establish no session; the failure is reported
		// immediately and nothing is left dangling.
		m.mu.Unlock()
		m.logger.Warn("Malformed offer", zap.String("request_id", requestID))
		m.sendError(requestID, codeMalformedOffer, "offer payload is not a well-formed SDP offer")
		return
	}

	sess := &session{
		requestID:         requestID,
		state:             StateOfferReceived,
		createdAt:         m.clock.Now(),
		remoteDescription: &offer,
	}
	sess.timeout = m.clock.AfterFunc(m.timeout, func() { m.expire(requestID) })
	m.sessions[requestID] = sess

	peer, err := m.peers(requestID, func() { m.established(requestID) })
	if err != nil {
		m.failLocked(sess, codeAnswerFailed, err.Error())
		m.mu.Unlock()
		m.notify()
		return
	}
	sess.peer = peer
	sess.state = StateAnswering
	m.mu.Unlock()
	m.notify()

	answer, err := peer.Answer(offer)

	m.mu.Lock()
	// The session may have timed out or been cancelled while answering.
	if sess.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.failLocked(sess, codeAnswerFailed, err.Error())
		m.mu.Unlock()
		m.notify()
		return
	}
	sess.localDescription = &answer
	sess.state = StateNegotiating
	buffered := sess.pendingCandidates
	sess.pendingCandidates = nil
	m.mu.Unlock()

	m.sendAnswer(requestID, answer)
	for _, c := range buffered {
		if err := peer.AddCandidate(c); err != nil {
			m.logger.Warn("Dropping buffered ICE candidate",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	}
	m.notify()
}

// HandleCandidate processes an inbound ICE candidate envelope. Candidates
// arriving before the answer exists are buffered, not dropped.
func (m *Manager) HandleCandidate(requestID string, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	sess, ok := m.sessions[requestID]
	if !ok || sess.state.Terminal() {
		m.mu.Unlock()
		m.logger.Debug("Ignoring ICE candidate for unknown or terminal session",
			zap.String("request_id", requestID),
		)
		return
	}

	switch sess.state {
	case StateOfferReceived, StateAnswering:
		sess.pendingCandidates = append(sess.pendingCandidates, candidate)
		m.mu.Unlock()
		return
	case StateNegotiating, StateConnected:
		peer := sess.peer
		m.mu.Unlock()
		if err := peer.AddCandidate(candidate); err != nil {
			m.logger.Warn("Failed to add ICE candidate",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	default:
		m.mu.Unlock()
	}
}

// HandleCancel closes a session on an explicit cancel envelope.
// Idempotent: cancelling a closed or failed session is a no-op.
func (m *Manager) HandleCancel(requestID string) {
	m.mu.Lock()
	sess, ok := m.sessions[requestID]
	if !ok || sess.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.closeLocked(sess, StateClosed)
	delete(m.sessions, requestID)
	m.mu.Unlock()

	m.sendClosed(requestID)
	m.notify()
}

// established marks a session connected. Invoked by the peer once the
// underlying connection is up.
func (m *Manager) established(requestID string) {
	m.mu.Lock()
	sess, ok := m.sessions[requestID]
	if !ok || sess.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	sess.state = StateConnected
	if sess.timeout != nil {
		sess.timeout.Stop()
		sess.timeout = nil
	}
	m.mu.Unlock()

	m.logger.Info("Loopback connection established", zap.String("request_id", requestID))
	m.notify()
}

// expire fails a session whose negotiation outlived the timeout.
func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	sess, ok := m.sessions[requestID]
	if !ok || sess.state.Terminal() || sess.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.failLocked(sess, codeTimeout, "negotiation timed out")
	m.mu.Unlock()

	m.notify()
}

// failLocked moves a session to failed, sends the error envelope, and
// removes it from the active set with its resources released. Caller
// holds the lock.
func (m *Manager) failLocked(sess *session, code, msg string) {
	m.closeLocked(sess, StateFailed)
	delete(m.sessions, sess.requestID)
	m.sendError(sess.requestID, code, msg)
}

// closeLocked tears down the session's timer and peer. Caller holds the
// lock.
func (m *Manager) closeLocked(sess *session, terminal State) {
	sess.state = terminal
	if sess.timeout != nil {
		sess.timeout.Stop()
		sess.timeout = nil
	}
	if sess.peer != nil {
		if err := sess.peer.Close(); err != nil {
			m.logger.Warn("Peer close failed",
				zap.String("request_id", sess.requestID),
				zap.Error(err),
			)
		}
	}
	sess.pendingCandidates = nil
}

// SessionState returns the state of a session, or StateIdle when no
// session exists for the request id.
func (m *Manager) SessionState(requestID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[requestID]; ok {
		return sess.state
	}
	return StateIdle
}

// ActiveSessions returns status for all live sessions, ordered by age.
func (m *Manager) ActiveSessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, Status{
			RequestID: sess.requestID,
			State:     sess.state.String(),
			CreatedAt: sess.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close tears down every live session without emitting error envelopes.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, sess := range m.sessions {
		if !sess.state.Terminal() {
			m.closeLocked(sess, StateClosed)
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) sendAnswer(requestID string, answer webrtc.SessionDescription) {
	env, err := bus.NewReply(bus.TypeSignalAnswer, requestID, answer)
	if err != nil {
		m.logger.Error("Failed to encode answer", zap.Error(err))
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Error("Failed to send answer", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (m *Manager) sendError(requestID, code, msg string) {
	env, err := bus.NewReply(bus.TypeSignalError, requestID, bus.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		m.logger.Error("Failed to encode signal error", zap.Error(err))
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Error("Failed to send signal error", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (m *Manager) sendClosed(requestID string) {
	env, err := bus.NewReply(bus.TypeSignalClosed, requestID, struct{}{})
	if err != nil {
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Warn("Failed to send close notification", zap.String("request_id", requestID), zap.Error(err))
	}
}

// notify pushes current status to the observers.
func (m *Manager) notify() {
	if m.onStatusChange == nil && m.onActiveChange == nil {
		return
	}
	statuses := m.ActiveSessions()
	if m.onStatusChange != nil {
		m.onStatusChange(statuses)
	}
	if m.onActiveChange != nil {
		m.onActiveChange(len(statuses))
	}
}
