package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// TenantSchema must be present on every token; it scopes every read and write.
type Claims struct {
	jwt.RegisteredClaims

	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	TenantSchema string    `json:"tenant_schema"`
	Role         string    `json:"role"`
	TokenType    TokenType `json:"token_type"`
}

// Identity is the caller a verified access token describes.
type Identity struct {
	UserID       string
	Username     string
	TenantSchema string
	Role         string
}
