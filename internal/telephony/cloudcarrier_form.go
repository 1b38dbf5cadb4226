package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const carrierSignatureHeader = "X-Twilio-Signature"
const carrierIdempotencyHeader = "I-Twilio-Idempotency-Token"

// carrierForm captures the subset of carrier webhook fields we care about.
// The carrier posts application/x-www-form-urlencoded.
type carrierForm struct {
	CallSid        string
	AccountSid     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	Digits         string
	SequenceNumber string
	ErrorCode      string
	ErrorMessage   string
}

func parseCarrierForm(body []byte) (carrierForm, url.Values, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return carrierForm{}, nil, fmt.Errorf("%w: %v", ErrMalformedSignaling, err)
	}
	f := carrierForm{
		CallSid:        strings.TrimSpace(vals.Get("CallSid")),
		AccountSid:     strings.TrimSpace(vals.Get("AccountSid")),
		From:           strings.TrimSpace(vals.Get("From")),
		To:             strings.TrimSpace(vals.Get("To")),
		Direction:      vals.Get("Direction"),
		CallStatus:     vals.Get("CallStatus"),
		Digits:         vals.Get("Digits"),
		SequenceNumber: vals.Get("SequenceNumber"),
		ErrorCode:      vals.Get("ErrorCode"),
		ErrorMessage:   vals.Get("ErrorMessage"),
	}
	return f, vals, nil
}

// carrierSignature computes base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func carrierSignature(authToken, fullURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range sortedKeys(params) {
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validCarrierSignature(authToken, fullURL string, params url.Values, got string) bool {
	want := carrierSignature(authToken, fullURL, params)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// carrierKind maps a carrier call status onto an event kind.
func carrierKind(status string) (EventKind, string, bool) {
	switch status {
	case "queued", "initiated":
		return EventInitiated, "", true
	case "ringing":
		return EventRinging, "", true
	case "in-progress", "answered":
		return EventAnswered, "", true
	case "completed":
		return EventEnded, "completed", true
	case "busy", "no-answer", "canceled":
		return EventEnded, status, true
	case "failed":
		return EventError, "failed", true
	default:
		return "", "", false
	}
}
