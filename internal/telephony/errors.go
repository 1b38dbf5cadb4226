package telephony

import (
	"errors"
	"fmt"
	"net/http"
)

// Shared error taxonomy. Every provider maps its failures onto these.
var (
	ErrInvalidDestination = errors.New("telephony: invalid destination")
	ErrMalformedSignaling = errors.New("telephony: malformed signaling")

	// ErrProviderUnavailable is transient and retried.
	ErrProviderUnavailable = errors.New("telephony: provider unavailable")
	// ErrProviderRejected is permanent and never retried.
	ErrProviderRejected = errors.New("telephony: provider rejected request")

	ErrUnknownProvider   = errors.New("telephony: unknown provider")
	ErrSignalUnsupported = errors.New("telephony: signal not supported by provider")
	ErrWebhookUnverified = errors.New("telephony: webhook verification failed")
)

// ProviderError carries the provider's own status and code next to the taxonomy sentinel.
type ProviderError struct {
	Provider   Variant
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("telephony: %s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// classifyStatus maps an HTTP status from a provider API onto the taxonomy.
// 408, 429 and 5xx are transient; every other 4xx is permanent.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ErrProviderUnavailable
	case status >= 500:
		return ErrProviderUnavailable
	case status >= 400:
		return ErrProviderRejected
	default:
		return nil
	}
}
