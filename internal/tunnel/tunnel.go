package tunnel

import (
	"context"
	"errors"
	"time"
)

var ErrTunnelUnavailable = errors.New("tunnel: unavailable")

// Endpoint is the publicly reachable address the providers call back on.
type Endpoint struct {
	PublicURL string     `json:"public_url"`
	ID        string     `json:"id"`
	OpenedAt  time.Time  `json:"opened_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnavailable  State = "unavailable"
	StateClosed       State = "closed"
)

// Tunneler is one way of making the local server reachable.
//
// Open blocks until an endpoint is ready or ctx ends. Watch blocks while the
// endpoint stays healthy and returns when it is lost or ctx ends.
type Tunneler interface {
	Name() string
	Open(ctx context.Context) (Endpoint, error)
	Watch(ctx context.Context, ep Endpoint) error
	Close(ctx context.Context) error
}
