package calls

import (
	"context"

	"telephony-gateway/internal/bridge"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
)

// AgentSession is the agent platform's side of a call: an audio stream plus
// the few controls the telephony core needs. The core never builds one
// itself, it only asks an AgentConnector.
type AgentSession interface {
	media.Stream
	ID() string
	SendDTMF(ctx context.Context, digit string) error
}

type AgentRequest struct {
	CallID    string
	AgentRef  string
	Direction telephony.Direction
	Provider  telephony.Variant
	From      string
	To        string
}

type AgentConnector interface {
	Connect(ctx context.Context, req AgentRequest) (AgentSession, error)
}

// AgentRouter picks the agent for an inbound call that arrived without one.
// An error fails the call before any media is opened.
type AgentRouter interface {
	RouteAgent(ctx context.Context, s CallSession) (agentRef string, err error)
}

// Bridger is the audio bridge as seen by the call actors.
type Bridger interface {
	Start(ctx context.Context, req bridge.StartRequest) (*bridge.Handle, error)
	Stop(h *bridge.Handle) error
}
