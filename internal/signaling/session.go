// Package signaling runs per-request loopback negotiations between the
// host's local media peer and the embedded context's peer: offer in,
// answer out, ICE candidates both ways, with timeout and teardown.
package signaling

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/camstage/camstage/engine/internal/shared/clock"
)

// State is the lifecycle of one signaling session.
type State int

const (
	StateIdle State = iota
	StateOfferReceived
	StateAnswering
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

// String returns the state name used in logs and status observers.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can accept no further events.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Peer is the host-side media peer that answers an offer from the
// embedded context. Implemented by the loopback package.
type Peer interface {
	// Answer sets the remote offer and produces the local answer.
	Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// AddCandidate feeds a remote ICE candidate.
	AddCandidate(candidate webrtc.ICECandidateInit) error
	// Close releases peer resources. Idempotent.
	Close() error
}

// PeerFactory creates the peer for a new session. onConnected fires once
// when the underlying connection reaches the established state.
type PeerFactory func(requestID string, onConnected func()) (Peer, error)

// session is one active negotiation. All fields are guarded by the
// manager's lock.
type session struct {
	requestID string
	state     State
	peer      Peer
	createdAt time.Time
	timeout   clock.Timer

	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription

	// pendingCandidates buffers candidates that arrive before the remote
	// description exists. Flushed in arrival order once it does.
	pendingCandidates []webrtc.ICECandidateInit
}

// Status is the read-only session view exposed to the host UI.
type Status struct {
	RequestID string    `json:"request_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// validateOffer rejects payloads that are not a well-formed SDP offer.
func validateOffer(offer webrtc.SessionDescription) bool {
	if offer.Type != webrtc.SDPTypeOffer {
		return false
	}
	sdp := strings.TrimSpace(offer.SDP)
	return sdp != "" && strings.HasPrefix(sdp, "v=")
}
