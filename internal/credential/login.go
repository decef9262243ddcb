package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginClient exchanges the configured identity for a bearer token.
type LoginClient interface {
	Login(ctx context.Context) (Grant, error)
}

// HTTPLoginClient talks to POST {BaseURL}/login.
type HTTPLoginClient struct {
	baseURL  string
	identity string
	password string
	http     *http.Client
}

func NewHTTPLoginClient(baseURL, identity, password string, timeout time.Duration) *HTTPLoginClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLoginClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string  `json:"token"`
	ExpiresIn float64 `json:"expires_in"`
}

func (c *HTTPLoginClient) Login(ctx context.Context) (Grant, error) {
	body, err := json.Marshal(loginRequest{Identity: c.identity, Password: c.password})
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("credential: login request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Grant{}, fmt.Errorf("credential: read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Grant{}, fmt.Errorf("credential: login returned status %d", resp.StatusCode)
	}

	var out loginResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.Header.Get("Authorization") == "" {
			return Grant{}, fmt.Errorf("%w: %v", ErrMalformedLogin, err)
		}
	}

	if out.Token != "" {
		if out.ExpiresIn <= 0 {
			return Grant{}, fmt.Errorf("%w: expires_in missing", ErrMalformedLogin)
		}
		return Grant{Token: out.Token, ExpiresIn: time.Duration(out.ExpiresIn * float64(time.Second))}, nil
	}

	return grantFromHeader(resp.Header.Get("Authorization"))
}

// grantFromHeader unwraps "Bearer <jwt>" and reads the exp claim.
// The signature is not checked here; the PBX verifies its own tokens.
func grantFromHeader(h string) (Grant, error) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "Bearer ") {
		return Grant{}, fmt.Errorf("%w: no token in body or header", ErrMalformedLogin)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrMalformedLogin, err)
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Grant{}, fmt.Errorf("%w: exp claim missing", ErrMalformedLogin)
	}
	return Grant{Token: raw, ExpiresAt: exp.Time}, nil
}
