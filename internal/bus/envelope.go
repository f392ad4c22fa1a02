package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of communication between the host engine and the
// embedded script context. Payload is opaque to the bus; RequestID, when
// present, correlates a request with exactly one response.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Envelope types emitted by the embedded context.
const (
	TypeConsole           = "console"
	TypeReady             = "ready"
	TypeCapabilities      = "capabilities"
	TypePermissionRequest = "permission_request"
	TypeSignalOffer       = "signal_offer"
	TypeSignalICE         = "signal_ice"
	TypeSignalCancel      = "signal_cancel"
	TypeRuntimeError      = "runtime_error"
)

// Envelope types emitted by the host.
const (
	TypeConfigUpdate       = "config_update"
	TypeScriptEval         = "script_eval"
	TypePermissionDecision = "permission_decision"
	TypeSignalAnswer       = "signal_answer"
	TypeSignalError        = "signal_error"
	TypeSignalClosed       = "signal_closed"
	TypeError              = "error"
)

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// NewReply builds a response envelope correlated to the given request id.
func NewReply(msgType, requestID string, payload interface{}) (Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.RequestID = requestID
	return env, nil
}

// DecodePayload unmarshals the opaque payload into out.
func (e Envelope) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is the body of host-emitted error envelopes.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
