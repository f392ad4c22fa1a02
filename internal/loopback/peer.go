// Package loopback owns the host-side WebRTC peer that bridges the local
// media source into the embedded context as if it were a remote caller.
// Each signaling session gets its own PeerConnection carrying one
// synthetic video track; the signaling package drives its lifecycle.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/signaling"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering before returning the answer (vanilla ICE: the answer carries
// all candidates, so signaling needs one round trip).
const iceGatherTimeout = 15 * time.Second

// Peer is a pion-backed signaling.Peer.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Factory returns a signaling.PeerFactory producing one loopback peer per
// session.
func Factory(logger *logging.Logger) signaling.PeerFactory {
	return func(requestID string, onConnected func()) (signaling.Peer, error) {
		return NewPeer(requestID, onConnected, logger)
	}
}

// NewPeer creates the host-side peer for one session. The synthetic video
// track is registered up front so the answer advertises it.
func NewPeer(requestID string, onConnected func(), logger *logging.Logger) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"camstage-video", "camstage",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating loopback track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding loopback track: %w", err)
	}

	var connectedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Loopback peer state changed",
			zap.String("request_id", requestID),
			zap.String("state", state.String()),
		)
		if state == webrtc.PeerConnectionStateConnected {
			connectedOnce.Do(onConnected)
		}
	})

	return &Peer{pc: pc, logger: logger}, nil
}

// Answer sets the remote offer and produces the complete local answer,
// waiting for ICE gathering so all candidates ride along in the SDP.
func (p *Peer) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return webrtc.SessionDescription{}, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	}

	return *p.pc.LocalDescription(), nil
}

// AddCandidate feeds a remote ICE candidate into the connection.
func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
