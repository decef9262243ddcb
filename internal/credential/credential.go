package credential

import (
	"errors"
	"time"
)

// SkewMargin is subtracted from the expiry when deciding whether a
// credential can still be presented to the PBX.
const SkewMargin = 60 * time.Second

var (
	ErrAuthFailed       = errors.New("credential: authentication failed")
	ErrNoCredential     = errors.New("credential: no usable credential")
	ErrMalformedLogin   = errors.New("credential: malformed login response")
	ErrRenewalSuspended = errors.New("credential: forced renewal budget exhausted")
)

// Credential is an immutable bearer credential. The raw token is only
// reachable through Header.
type Credential struct {
	token      string
	expiresAt  time.Time
	obtainedAt time.Time
}

func newCredential(token string, expiresAt, obtainedAt time.Time) Credential {
	return Credential{token: token, expiresAt: expiresAt, obtainedAt: obtainedAt}
}

// Header returns the Authorization header value.
func (c Credential) Header() string {
	if c.token == "" {
		return ""
	}
	return "Bearer " + c.token
}

func (c Credential) ExpiresAt() time.Time  { return c.expiresAt }
func (c Credential) ObtainedAt() time.Time { return c.obtainedAt }
func (c Credential) IsZero() bool          { return c.token == "" }

// Usable reports whether now is before expiresAt minus SkewMargin.
func (c Credential) Usable(now time.Time) bool {
	if c.token == "" {
		return false
	}
	return now.Before(c.expiresAt.Add(-SkewMargin))
}

// Grant is what a LoginClient returns. Either ExpiresAt or ExpiresIn is set.
type Grant struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

func (g Grant) expiry(now time.Time) time.Time {
	if !g.ExpiresAt.IsZero() {
		return g.ExpiresAt
	}
	return now.Add(g.ExpiresIn)
}
