package auth

import (
	"errors"
	"testing"
	"time"

	"telephony-gateway/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "gateway",
		JWTAudience:    "ops",
		AccessTokenTTL: 15 * time.Minute,
		MediaTokenTTL:  2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.IssueAccess(now, "op-1", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Verify(tok, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.OperatorID != "op-1" || claims.Role != "operator" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	tok, err := m.IssueMedia(now, "CA1", "cloud_carrier")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, TokenTypeAccess, now); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected token_type mismatch, got %v", err)
	}
}

func TestMediaTokenExpires(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	tok, _ := m.IssueMedia(now, "CA1", "cloud_carrier")

	if _, err := m.Verify(tok, TokenTypeMedia, now.Add(5*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
	c, err := m.Verify(tok, TokenTypeMedia, now.Add(time.Minute))
	if err != nil || c.CallID != "CA1" {
		t.Fatalf("expected valid media token, got %+v %v", c, err)
	}
}

func TestVerifyWebhookBindsBody(t *testing.T) {
	v, err := NewWebhookVerifier("trunk-secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	now := time.Now()
	body := []byte(`{"event":"ringing","call_id":"sip-1"}`)
	tok, err := v.IssueWebhook(now, body)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.VerifyWebhook(tok, body, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := v.VerifyWebhook(tok, []byte(`{"event":"ended"}`), now); !errors.Is(err, ErrBodyMismatch) {
		t.Fatalf("expected body mismatch, got %v", err)
	}

	other, _ := NewWebhookVerifier("other")
	if _, err := other.VerifyWebhook(tok, body, now); err == nil {
		t.Fatalf("expected signature error with wrong secret")
	}
}
