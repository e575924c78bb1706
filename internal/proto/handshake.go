package proto

import "fmt"

// HandshakeData binds a transport peer to a user and device.
type HandshakeData struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

func (h HandshakeData) Validate() error {
	if h.DeviceID == "" {
		return fmt.Errorf("%w: handshake missing deviceId", ErrMalformedEnvelope)
	}
	if h.UserID == "" {
		return fmt.Errorf("%w: handshake missing userId", ErrMalformedEnvelope)
	}
	return nil
}

func EncodeHandshake(h HandshakeData) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return Marshal(TypeHandshake, h)
}

func DecodeHandshake(env Envelope) (HandshakeData, error) {
	if env.Type != TypeHandshake {
		return HandshakeData{}, fmt.Errorf("unexpected msg type: %s", env.Type)
	}
	h, err := DecodePayload[HandshakeData](env)
	if err != nil {
		return HandshakeData{}, err
	}
	if err := h.Validate(); err != nil {
		return HandshakeData{}, err
	}
	return h, nil
}
