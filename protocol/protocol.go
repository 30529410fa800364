// Package protocol defines the messages exchanged with terminal clients.
//
// Inbound messages are decoded into one of a closed set of Intent types.
// Outbound messages are Events with a closed EventType. Both carry the
// client-generated correlation pair so optimistic client state can be
// reconciled against the authoritative event stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognised message tag
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned by Decode when a message cannot be parsed or
	// misses a required field
	ErrMalformed = errors.New("malformed message")
)

// Correlation is the identity of a client request. CorrelationID names the
// request; ProvisionalID is the placeholder id the client gave the entity it
// is creating. Both are echoed on every event the request produces.
type Correlation struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ProvisionalID string `json:"provisionalId,omitempty"`
}

// Empty reports whether neither id is set
func (c Correlation) Empty() bool {
	return c.CorrelationID == "" && c.ProvisionalID == ""
}

// Envelope is the raw inbound frame
type Envelope struct {
	Type string `json:"type"`
	Correlation
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a frame into its envelope and typed intent. The envelope is
// returned even when the intent is invalid so errors can still be correlated.
func Decode(raw []byte) (Envelope, Intent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	intent, err := DecodeIntent(env)
	return env, intent, err
}

// DecodeIntent parses env.Data according to env.Type
func DecodeIntent(env Envelope) (Intent, error) {
	newIntent, ok := intentTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	intent := newIntent()
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, intent); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := intent.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return intent, nil
}

// Encode builds an inbound frame; used by clients and tests
func Encode(intent Intent, corr Correlation) ([]byte, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: intent.Type(), Correlation: corr, Data: data})
}
