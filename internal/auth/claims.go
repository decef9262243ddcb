package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the agent API.
// LineID binds an agent to the phone line a dialer process controls; it is
// empty for supervisors, who may observe any line.
type Claims struct {
	jwt.RegisteredClaims

	AgentID   string    `json:"agent_id"`
	LineID    string    `json:"line_id,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
