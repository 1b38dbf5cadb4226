package telephony

import (
	"context"

	"telephony-gateway/internal/media"
)

// Provider is the provider-agnostic capability set used by the call core.
//
// Rules:
// - No provider API calls outside telephony adapters.
// - Every error returned wraps one of the taxonomy sentinels.
// - NormalizeWebhook is pure: no I/O, no clock, no shared state.
type Provider interface {
	Variant() Variant

	ValidateDestination(dest string) (string, error)

	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Answer(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
	SendSignal(ctx context.Context, callID string, sig Signal) error

	VerifyWebhook(w RawWebhook) error
	NormalizeWebhook(w RawWebhook) (CallEvent, error)
	WebhookAck(ctx context.Context, ev CallEvent) (Ack, error)

	// OpenMedia returns the provider side of the call's audio.
	OpenMedia(ctx context.Context, callID string, info media.Info) (media.Stream, error)
}

type OriginateRequest struct {
	// Destination must already be normalized by ValidateDestination.
	Destination string
	From        string
	// IdempotencyKey is stable across retries of one logical originate.
	IdempotencyKey string
}

type OriginateResult struct {
	CallID   string
	Status   string
	Attempts int
}

type SignalKind string

const (
	SignalDTMF     SignalKind = "dtmf"
	SignalTransfer SignalKind = "transfer"
)

type Signal struct {
	Kind   SignalKind
	Digits string
	Target string
}
