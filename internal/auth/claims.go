package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	// TokenTypeAccess authorizes operators on the control API.
	TokenTypeAccess TokenType = "access"
	// TokenTypeMedia is embedded in the carrier media stream URL and binds the socket to one call.
	TokenTypeMedia TokenType = "media"
	// TokenTypeWebhook is minted by the SIP trunk gateway for each webhook delivery.
	TokenTypeWebhook TokenType = "webhook"
)

// Claims are the only supported JWT claims shape for this service.
// Which optional fields are required depends on TokenType; see Manager.Verify.
type Claims struct {
	jwt.RegisteredClaims

	TokenType TokenType `json:"token_type"`

	OperatorID string `json:"operator_id,omitempty"`
	Role       string `json:"role,omitempty"`

	CallID   string `json:"call_id,omitempty"`
	Provider string `json:"provider,omitempty"`

	// BodySHA256 binds a webhook token to the exact request body (hex encoded).
	BodySHA256 string `json:"body_sha256,omitempty"`
}
