package telephony

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized means the remote rejected our credential.
	ErrUnauthorized = errors.New("telephony: unauthorized")
	// ErrNotFound means the remote no longer knows the call.
	ErrNotFound = errors.New("telephony: call not found")
	// ErrRemote covers 5xx responses and network failures.
	ErrRemote = errors.New("telephony: remote error")
	// ErrUnsupported is returned by adapters that cannot perform an operation.
	ErrUnsupported = errors.New("telephony: operation not supported by transport")
	// ErrInvalidNumber means the dialled number has no digits.
	ErrInvalidNumber = errors.New("telephony: invalid number")
)

// Transport is the call-control surface shared by the PBX, SIP and external
// adapters.
//
// Rules:
//   - No vendor SDK calls outside the adapters.
//   - Adapters never change call state themselves; they report what the remote
//     said through the dispatcher sink and return errors from commands.
type Transport interface {
	Name() string
	Start(ctx context.Context) error

	Dial(ctx context.Context, number string) (Call, error)
	Hangup(ctx context.Context, callID string) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	SetMute(ctx context.Context, callID string, muted bool) error

	Close(ctx context.Context) error
}

// StatusFetcher is implemented by transports whose remote state can be polled.
type StatusFetcher interface {
	Status(ctx context.Context, callID string) (string, error)
}

// HeaderSource supplies the Authorization header for signed requests.
type HeaderSource interface {
	AuthHeader(ctx context.Context) (string, error)
}

// Call identifies a dialled call. ID is what the remote knows the call as;
// Reference is our own correlation id.
type Call struct {
	ID        string
	Reference string
}

// NormalizeNumber strips formatting and rewrites national numbers to the
// international form without a leading plus: "082 123 4567" with country code
// 27 becomes "27821234567".
func NormalizeNumber(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return "", ErrInvalidNumber
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0") && countryCode != "":
		digits = countryCode + digits[1:]
	}
	if digits == "" {
		return "", ErrInvalidNumber
	}
	return digits, nil
}
