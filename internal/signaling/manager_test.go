package signaling

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/shared/clock"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

type captureSender struct {
	mu   sync.Mutex
	sent []bus.Envelope
}

func (s *captureSender) Send(env bus.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSender) byType(msgType string) []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Envelope
	for _, env := range s.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// fakePeer answers immediately and records candidates.
type fakePeer struct {
	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	closed     bool
	answerErr  error
	connect    func()
}

func (p *fakePeer) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.answerErr != nil {
		return webrtc.SessionDescription{}, p.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (p *fakePeer) AddCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) candidateList() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit{}, p.candidates...)
}

type fixture struct {
	manager *Manager
	sender  *captureSender
	clock   *clock.Fake
	peers   map[string]*fakePeer
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	f := &fixture{
		sender: &captureSender{},
		clock:  clock.NewFake(),
		peers:  make(map[string]*fakePeer),
	}
	factory := func(requestID string, onConnected func()) (Peer, error) {
		p := &fakePeer{connect: onConnected}
		f.peers[requestID] = p
		return p, nil
	}
	f.manager = NewManager(f.sender, factory, f.clock, 30*time.Second, maxSessions, logging.NewNop())
	return f
}

func TestOfferProducesAnswer(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())

	assert.Equal(t, StateNegotiating, f.manager.SessionState("req_1"))
	answers := f.sender.byType(bus.TypeSignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "req_1", answers[0].RequestID)

	var answer webrtc.SessionDescription
	require.NoError(t, answers[0].DecodePayload(&answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

func TestMalformedOfferFailsImmediately(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_bad", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})

	assert.Equal(t, StateIdle, f.manager.SessionState("req_bad"))
	errs := f.sender.byType(bus.TypeSignalError)
	require.Len(t, errs, 1)

	var p bus.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&p))
	assert.Equal(t, "malformed_offer", p.Code)
	assert.Empty(t, f.manager.ActiveSessions())
}

func TestDuplicateOfferRejectedFirstSessionUnaffected(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())
	f.manager.HandleOffer("req_1", offer())

	assert.Equal(t, StateNegotiating, f.manager.SessionState("req_1"))
	assert.Len(t, f.sender.byType(bus.TypeSignalAnswer), 1, "first session unaffected")

	errs := f.sender.byType(bus.TypeSignalError)
	require.Len(t, errs, 1)
	var p bus.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&p))
	assert.Equal(t, "duplicate_session", p.Code)
}

func TestSessionLimit(t *testing.T) {
	f := newFixture(t, 2)

	f.manager.HandleOffer("req_1", offer())
	f.manager.HandleOffer("req_2", offer())
	f.manager.HandleOffer("req_3", offer())

	errs := f.sender.byType(bus.TypeSignalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "req_3", errs[0].RequestID)
	assert.Len(t, f.manager.ActiveSessions(), 2)
}

func TestCandidatesFlowToPeer(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())
	f.manager.HandleCandidate("req_1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	f.manager.HandleCandidate("req_1", webrtc.ICECandidateInit{Candidate: "candidate:2"})

	got := f.peers["req_1"].candidateList()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate:1", got[0].Candidate)
	assert.Equal(t, "candidate:2", got[1].Candidate)
}

// blockingPeer holds Answer until released, so candidates can arrive
// before the local description exists.
type blockingPeer struct {
	fakePeer
	release chan struct{}
}

func (p *blockingPeer) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	<-p.release
	return p.fakePeer.Answer(offer)
}

func TestEarlyCandidatesAreBufferedAndFlushedInOrder(t *testing.T) {
	sender := &captureSender{}
	peer := &blockingPeer{release: make(chan struct{})}
	factory := func(requestID string, onConnected func()) (Peer, error) {
		return peer, nil
	}
	m := NewManager(sender, factory, clock.NewFake(), time.Minute, 0, logging.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HandleOffer("req_1", offer())
	}()

	// Wait for the session to enter answering, then deliver candidates
	// before the answer exists.
	require.Eventually(t, func() bool {
		return m.SessionState("req_1") == StateAnswering
	}, time.Second, time.Millisecond)

	m.HandleCandidate("req_1", webrtc.ICECandidateInit{Candidate: "candidate:early-1"})
	m.HandleCandidate("req_1", webrtc.ICECandidateInit{Candidate: "candidate:early-2"})
	assert.Empty(t, peer.candidateList(), "candidates buffered until the answer exists")

	close(peer.release)
	<-done

	got := peer.candidateList()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate:early-1", got[0].Candidate)
	assert.Equal(t, "candidate:early-2", got[1].Candidate)
}

func TestCandidateForUnknownSessionIgnored(t *testing.T) {
	f := newFixture(t, 0)
	assert.NotPanics(t, func() {
		f.manager.HandleCandidate("req_missing", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	})
}

func TestConnectionEstablished(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())
	f.peers["req_1"].connect()

	assert.Equal(t, StateConnected, f.manager.SessionState("req_1"))

	// Timeout no longer applies once connected.
	f.clock.Advance(time.Minute)
	assert.Equal(t, StateConnected, f.manager.SessionState("req_1"))
}

func TestTimeoutFailsSessionAndReleasesIt(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())
	f.clock.Advance(30 * time.Second)

	assert.Equal(t, StateIdle, f.manager.SessionState("req_1"), "failed session leaves the active set")
	assert.True(t, f.peers["req_1"].closed, "peer resources released")

	errs := f.sender.byType(bus.TypeSignalError)
	require.Len(t, errs, 1)
	var p bus.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&p))
	assert.Equal(t, "timeout", p.Code)
	assert.Empty(t, f.manager.ActiveSessions())
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)

	f.manager.HandleOffer("req_1", offer())
	f.peers["req_1"].connect()

	f.manager.HandleCancel("req_1")
	f.manager.HandleCancel("req_1")
	f.manager.HandleCancel("req_other")

	assert.True(t, f.peers["req_1"].closed)
	assert.Len(t, f.sender.byType(bus.TypeSignalClosed), 1)
	assert.Empty(t, f.manager.ActiveSessions())
}

func TestAnswerFailureFailsSession(t *testing.T) {
	sender := &captureSender{}
	factory := func(requestID string, onConnected func()) (Peer, error) {
		return &fakePeer{answerErr: errors.New("no codec")}, nil
	}
	m := NewManager(sender, factory, clock.NewFake(), time.Minute, 0, logging.NewNop())

	m.HandleOffer("req_1", offer())

	assert.Equal(t, StateIdle, m.SessionState("req_1"))
	errs := sender.byType(bus.TypeSignalError)
	require.Len(t, errs, 1)
	var p bus.ErrorPayload
	require.NoError(t, errs[0].DecodePayload(&p))
	assert.Equal(t, "answer_failed", p.Code)
}

func TestStatusObserverSeesLifecycle(t *testing.T) {
	f := newFixture(t, 0)

	var mu sync.Mutex
	var states []string
	f.manager.WithObservers(func(statuses []Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 {
			states = append(states, "<none>")
			return
		}
		states = append(states, fmt.Sprintf("%s:%s", statuses[0].RequestID, statuses[0].State))
	}, nil)

	f.manager.HandleOffer("req_1", offer())
	f.manager.HandleCancel("req_1")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, "req_1:negotiating")
	assert.Equal(t, "<none>", states[len(states)-1])
}
