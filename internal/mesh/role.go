package mesh

import (
	"fmt"

	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
)

// dispatchFunc decodes one envelope from an authenticated peer. It runs
// under the session lock and returns the work to do once it is released.
type dispatchFunc func(s *Session, c peer.Connection, env proto.Envelope) (func(), error)

// Role is the policy half of a session: who invites, who introduces
// itself, and which inbound envelope types mean anything.
type Role struct {
	Name                   string
	InviteOnDiscovery      bool
	HandshakeOnConnect     bool
	RequestOnAuthenticated bool
	dispatch               map[proto.EnvelopeType]dispatchFunc
}

const (
	RoleNameBase       = "base"
	RoleNameController = "controller"
)

// BaseStation invites everything it finds, waits for the peer to
// introduce itself and then pulls its location history.
func BaseStation() Role {
	return Role{
		Name:                   RoleNameBase,
		InviteOnDiscovery:      true,
		RequestOnAuthenticated: true,
		dispatch: map[proto.EnvelopeType]dispatchFunc{
			// handled by the state machine before the table is consulted
			proto.TypeHandshake:          nil,
			proto.TypeSendLocations:      gotLocations,
			proto.TypeSendRideStatistics: gotRideStatistics,
			proto.TypeSendBiometrics:     gotBiometrics,
			proto.TypeSendAcceleration:   gotAcceleration,
		},
	}
}

// Controller never invites. It introduces itself on connect and answers
// location requests from its store.
func Controller() Role {
	return Role{
		Name:               RoleNameController,
		HandshakeOnConnect: true,
		dispatch: map[proto.EnvelopeType]dispatchFunc{
			proto.TypeRequestLocations: answerLocationRequest,
		},
	}
}

func RoleByName(name string) (Role, error) {
	switch name {
	case RoleNameBase, "basestation", "base-station":
		return BaseStation(), nil
	case RoleNameController, "rider":
		return Controller(), nil
	}
	return Role{}, fmt.Errorf("unknown role %q", name)
}

func (r Role) Accepts(t proto.EnvelopeType) bool {
	_, ok := r.dispatch[t]
	return ok
}

func (r Role) String() string {
	return r.Name
}

func gotLocations(s *Session, c peer.Connection, env proto.Envelope) (func(), error) {
	segs, err := proto.DecodePayload[[]proto.LocationSegment](env)
	if err != nil {
		return nil, err
	}
	if p := s.peers[c.Peer]; p != nil {
		p.requestPending = false
	}
	return func() { s.handler.GotLocations(s.ctx, c, segs) }, nil
}

func gotRideStatistics(s *Session, c peer.Connection, env proto.Envelope) (func(), error) {
	ride, err := proto.DecodePayload[proto.RideStatistics](env)
	if err != nil {
		return nil, err
	}
	return func() { s.handler.GotRideStatistics(s.ctx, c, ride) }, nil
}

func gotBiometrics(s *Session, c peer.Connection, env proto.Envelope) (func(), error) {
	hr, err := proto.DecodePayload[[]proto.HeartRateMeasurement](env)
	if err != nil {
		return nil, err
	}
	return func() { s.handler.GotBiometrics(s.ctx, c, hr) }, nil
}

func gotAcceleration(s *Session, c peer.Connection, env proto.Envelope) (func(), error) {
	samples, err := proto.DecodePayload[[]proto.AccelerationSample](env)
	if err != nil {
		return nil, err
	}
	return func() { s.handler.GotAcceleration(s.ctx, c, samples) }, nil
}

func answerLocationRequest(s *Session, c peer.Connection, env proto.Envelope) (func(), error) {
	req, err := proto.DecodePayload[proto.LocationRequest](env)
	if err != nil {
		return nil, err
	}
	iv, ok := req.Interval()
	if !ok {
		iv = proto.AllTime()
	}
	if !iv.Valid() {
		return nil, fmt.Errorf("%w: location request ends before it starts", proto.ErrMalformedEnvelope)
	}
	return func() { s.SendLocations(s.ctx, c, iv) }, nil
}
