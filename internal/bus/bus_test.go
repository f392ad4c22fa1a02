package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camstage/camstage/engine/internal/logging"
)

// recordingTransport captures delivered envelopes.
type recordingTransport struct {
	mu        sync.Mutex
	delivered []Envelope
}

func (t *recordingTransport) Deliver(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, env)
	return nil
}

func (t *recordingTransport) all() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope{}, t.delivered...)
}

func newTestBus() (*Bus, *recordingTransport) {
	transport := &recordingTransport{}
	return New(transport, logging.NewNop()), transport
}

func TestDispatchRoutesByType(t *testing.T) {
	b, _ := newTestBus()

	var got []string
	b.Handle("ready", func(env Envelope) {
		got = append(got, "ready")
	})
	b.Handle("console", func(env Envelope) {
		var p struct {
			Level string `json:"level"`
		}
		require.NoError(t, env.DecodePayload(&p))
		got = append(got, "console:"+p.Level)
	})

	b.Dispatch([]byte(`{"type":"ready"}`))
	b.Dispatch([]byte(`{"type":"console","payload":{"level":"warn"}}`))
	b.Dispatch([]byte(`{"type":"console","payload":{"level":"info"}}`))

	assert.Equal(t, []string{"ready", "console:warn", "console:info"}, got)
}

func TestDispatchDropsMalformedInput(t *testing.T) {
	b, _ := newTestBus()

	handled := 0
	b.Handle("ready", func(Envelope) { handled++ })

	assert.NotPanics(t, func() {
		b.Dispatch([]byte(`{not json`))
		b.Dispatch([]byte(`{"payload":{}}`)) // missing type
		b.Dispatch([]byte(`{"type":"ready"}`))
	})
	assert.Equal(t, 1, handled)
}

func TestDispatchIsolatesHandlerPanics(t *testing.T) {
	b, _ := newTestBus()

	b.Handle("boom", func(Envelope) { panic("handler bug") })
	calls := 0
	b.Handle("ready", func(Envelope) { calls++ })

	assert.NotPanics(t, func() {
		b.Dispatch([]byte(`{"type":"boom"}`))
		b.Dispatch([]byte(`{"type":"ready"}`))
	})
	assert.Equal(t, 1, calls)
}

func TestRequestResponseCorrelation(t *testing.T) {
	b, transport := newTestBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait until the request envelope is actually delivered, then
		// answer it as the embedded context would.
		for {
			envs := transport.all()
			if len(envs) == 1 {
				reply, _ := json.Marshal(Envelope{
					Type:      "permission_decision_ack",
					RequestID: envs[0].RequestID,
					Payload:   json.RawMessage(`{"ok":true}`),
				})
				b.Dispatch(reply)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	env, err := NewEnvelope(TypePermissionDecision, map[string]string{"decision": "deny"})
	require.NoError(t, err)
	env.RequestID = "req_1"

	resp, err := b.Request(context.Background(), env, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "req_1", resp.RequestID)
	<-done
}

func TestRequestTimesOut(t *testing.T) {
	b, _ := newTestBus()

	env := Envelope{Type: TypeConfigUpdate, RequestID: "req_2"}
	_, err := b.Request(context.Background(), env, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestRequiresRequestID(t *testing.T) {
	b, _ := newTestBus()

	_, err := b.Request(context.Background(), Envelope{Type: TypeConfigUpdate}, time.Second)
	assert.Error(t, err)
}

func TestLateResponseIsDropped(t *testing.T) {
	b, _ := newTestBus()

	handled := 0
	b.Handle("answer", func(Envelope) { handled++ })

	// No pending request for this id; RequestID-bearing inbound envelopes
	// still route to their type handler.
	b.Dispatch([]byte(`{"type":"answer","request_id":"req_gone"}`))
	assert.Equal(t, 1, handled)
}

func TestSendAfterClose(t *testing.T) {
	b, _ := newTestBus()
	b.Close()

	err := b.Send(Envelope{Type: TypeConfigUpdate})
	assert.ErrorIs(t, err, ErrBusClosed)
}
