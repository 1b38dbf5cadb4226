package telephony

import (
	"net/http"
	"time"

	"telephony-gateway/internal/media"
)

// Variant is the closed set of supported providers.
type Variant string

const (
	VariantCloudCarrier Variant = "cloud_carrier"
	VariantSipTrunk     Variant = "sip_trunk"
)

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantCloudCarrier, VariantSipTrunk:
		return Variant(s), nil
	default:
		return "", ErrUnknownProvider
	}
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type EventKind string

const (
	EventInitiated    EventKind = "initiated"
	EventRinging      EventKind = "ringing"
	EventAnswered     EventKind = "answered"
	EventDTMF         EventKind = "dtmf"
	EventMediaStarted EventKind = "media-started"
	EventEnded        EventKind = "ended"
	EventError        EventKind = "error"
)

// Opens reports whether an event of this kind may create a session.
func (k EventKind) Opens() bool {
	switch k {
	case EventInitiated, EventRinging, EventAnswered:
		return true
	default:
		return false
	}
}

// CallEvent is a normalized signaling fact. Consumed once by the call's state machine.
type CallEvent struct {
	CallID    string
	Kind      EventKind
	Provider  Variant
	Direction Direction

	From   string
	To     string
	Digit  string
	Reason string
	Media  *media.Info

	// ProviderEventID is stable across redeliveries of the same webhook.
	ProviderEventID string
	// AwaitsInstructions is set when the provider expects call instructions in the ack.
	AwaitsInstructions bool

	Payload    []byte
	ReceivedAt time.Time
}

// RawWebhook is a webhook delivery as received, before verification.
type RawWebhook struct {
	// Route is the sub-path the provider posted to ("" or "status").
	Route string
	// URL is the full public URL the provider signed against.
	URL        string
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Ack is the synchronous response to a webhook delivery.
type Ack struct {
	Status      int
	ContentType string
	Body        []byte
}
