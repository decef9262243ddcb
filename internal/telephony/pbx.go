package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collections-dialer/pkg/logger"

	"github.com/google/uuid"
)

type PBXOptions struct {
	BaseURL    string
	CallerID   string
	WebhookURL string
	Timeout    time.Duration
}

// PBXTransport drives calls through the cloud PBX REST API. Requests are
// signed with the header from HeaderSource. State changes arrive through the
// webhook and the status poller, not from this adapter.
type PBXTransport struct {
	opts PBXOptions
	auth HeaderSource
	http *http.Client
	log  *slog.Logger
}

var (
	_ Transport     = (*PBXTransport)(nil)
	_ StatusFetcher = (*PBXTransport)(nil)
)

func NewPBXTransport(opts PBXOptions, auth HeaderSource, log *slog.Logger) (*PBXTransport, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("telephony: pbx base url is required")
	}
	if auth == nil {
		return nil, errors.New("telephony: pbx header source is nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &PBXTransport{
		opts: opts,
		auth: auth,
		http: &http.Client{Timeout: opts.Timeout},
		log:  logger.Component(log, "pbx"),
	}, nil
}

func (p *PBXTransport) Name() string { return "rest" }

func (p *PBXTransport) Start(ctx context.Context) error { return nil }

func (p *PBXTransport) Close(ctx context.Context) error {
	p.http.CloseIdleConnections()
	return nil
}

type dialRequest struct {
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Reference  string `json:"reference"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

type callResponse struct {
	ID     string `json:"id"`
	CallID string `json:"callId"`
	Status string `json:"status"`
}

func (p *PBXTransport) Dial(ctx context.Context, number string) (Call, error) {
	ref := uuid.NewString()
	var out callResponse
	err := p.do(ctx, http.MethodPost, "/calls", dialRequest{
		From:       p.opts.CallerID,
		To:         number,
		Reference:  ref,
		WebhookURL: p.opts.WebhookURL,
	}, &out)
	if err != nil {
		return Call{}, err
	}

	id := out.ID
	if id == "" {
		id = out.CallID
	}
	if id == "" {
		id = ref
	}
	p.log.Info("call placed", "call_id", id, "reference", ref)
	return Call{ID: id, Reference: ref}, nil
}

func (p *PBXTransport) Hangup(ctx context.Context, callID string) error {
	return p.do(ctx, http.MethodDelete, "/calls/"+url.PathEscape(callID), nil, nil)
}

func (p *PBXTransport) Accept(ctx context.Context, callID string) error {
	return p.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/accept", nil, nil)
}

func (p *PBXTransport) Reject(ctx context.Context, callID string) error {
	return p.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/reject", nil, nil)
}

func (p *PBXTransport) SetMute(ctx context.Context, callID string, muted bool) error {
	body := struct {
		Muted bool `json:"muted"`
	}{Muted: muted}
	return p.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/mute", body, nil)
}

// Status returns the remote status string for callID.
func (p *PBXTransport) Status(ctx context.Context, callID string) (string, error) {
	var out callResponse
	if err := p.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (p *PBXTransport) do(ctx context.Context, method, path string, in, out any) error {
	header, err := p.auth.AuthHeader(ctx)
	if err != nil {
		return fmt.Errorf("telephony: sign request: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnauthorized, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrRemote, method, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("telephony: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("telephony: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
