package proto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

type EnvelopeType string

const (
	TypeHandshake          EnvelopeType = "handshake"
	TypeSendLocations      EnvelopeType = "sendLocations"
	TypeRequestLocations   EnvelopeType = "requestLocations"
	TypeSendRideStatistics EnvelopeType = "sendRideStatistics"
	TypeSendBiometrics     EnvelopeType = "sendBiometrics"
	TypeSendAcceleration   EnvelopeType = "sendAcceleration"
)

var (
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")
)

func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeHandshake, TypeSendLocations, TypeRequestLocations,
		TypeSendRideStatistics, TypeSendBiometrics, TypeSendAcceleration:
		return true
	}
	return false
}

// Envelope is the outer wrapper of every mesh message. Payload holds the
// JSON of the type-specific value and travels base64-encoded.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Payload []byte       `json:"payload"`
}

func Encode(t EnvelopeType, v any) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, t)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: payload}, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, e.Type)
	}
	return json.Marshal(e)
}

// Marshal encodes v under tag t and returns the wire bytes.
func Marshal(t EnvelopeType, v any) ([]byte, error) {
	env, err := Encode(t, v)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// Decode parses only the outer envelope. The payload stays opaque until
// DecodePayload is called with the type selected by the tag.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty message", ErrMalformedEnvelope)
	}
	if len(data) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: message too large (%d bytes)", ErrMalformedEnvelope, len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}
	return env, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: empty %s payload", ErrMalformedEnvelope, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.Type, err)
	}
	return v, nil
}

// EnvelopeID is a short digest of the wire bytes for log correlation.
func EnvelopeID(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
