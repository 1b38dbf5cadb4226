package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"telephony-gateway/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenType    = errors.New("auth: token_type mismatch")
	ErrBodyMismatch = errors.New("auth: body hash mismatch")
)

type Manager struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	mediaTTL  time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		audience:  cfg.JWTAudience,
		accessTTL: cfg.AccessTokenTTL,
		mediaTTL:  cfg.MediaTokenTTL,
	}, nil
}

// NewWebhookVerifier returns a Manager keyed by a provider's shared webhook secret.
// The provider is the issuer, so no issuer/audience pinning is applied.
func NewWebhookVerifier(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &Manager{secret: []byte(secret), mediaTTL: time.Minute}, nil
}

/* ===================== ISSUE TOKENS ===================== */

func (m *Manager) IssueAccess(now time.Time, operatorID, role string) (string, error) {
	return m.issue(now, m.accessTTL, Claims{
		TokenType:  TokenTypeAccess,
		OperatorID: operatorID,
		Role:       role,
	})
}

func (m *Manager) IssueMedia(now time.Time, callID, provider string) (string, error) {
	return m.issue(now, m.mediaTTL, Claims{
		TokenType: TokenTypeMedia,
		CallID:    callID,
		Provider:  provider,
	})
}

// IssueWebhook mints a gateway-style webhook bearer. Used by tests and local simulators.
func (m *Manager) IssueWebhook(now time.Time, body []byte) (string, error) {
	return m.issue(now, m.mediaTTL, Claims{
		TokenType:  TokenTypeWebhook,
		BodySHA256: BodyHash(body),
	})
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	switch expected {
	case TokenTypeAccess:
		if claims.OperatorID == "" {
			return Claims{}, errors.New("operator_id missing")
		}
		if claims.Role == "" {
			return Claims{}, errors.New("role missing in access token")
		}
	case TokenTypeMedia:
		if claims.CallID == "" {
			return Claims{}, errors.New("call_id missing in media token")
		}
	case TokenTypeWebhook:
		if claims.BodySHA256 == "" {
			return Claims{}, errors.New("body_sha256 missing in webhook token")
		}
	}

	return claims, nil
}

// VerifyWebhook checks a webhook bearer and that it was minted for exactly this body.
func (m *Manager) VerifyWebhook(tokenString string, body []byte, now time.Time) (Claims, error) {
	claims, err := m.Verify(tokenString, TokenTypeWebhook, now)
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare([]byte(claims.BodySHA256), []byte(BodyHash(body))) != 1 {
		return Claims{}, ErrBodyMismatch
	}
	return claims, nil
}

func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

/* ===================== INTERNAL ISSUE ===================== */

func (m *Manager) issue(now time.Time, ttl time.Duration, claims Claims) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  audienceOrNil(m.audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
