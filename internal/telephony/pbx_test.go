package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticHeader struct {
	value string
	err   error
}

func (s staticHeader) AuthHeader(context.Context) (string, error) { return s.value, s.err }

func TestPBXTransport_Dial(t *testing.T) {
	var got dialRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t1" {
			t.Errorf("missing auth header")
		}
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"remote-1"}`))
	}))
	defer srv.Close()

	p, err := NewPBXTransport(PBXOptions{BaseURL: srv.URL, CallerID: "27110000000", WebhookURL: "https://dialer/webhooks/pbx"}, staticHeader{value: "Bearer t1"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	call, err := p.Dial(context.Background(), "27821234567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if call.ID != "remote-1" || call.Reference == "" || call.Reference != got.Reference {
		t.Fatalf("unexpected call %+v (sent ref %q)", call, got.Reference)
	}
	if got.To != "27821234567" || got.From != "27110000000" || got.WebhookURL == "" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestPBXTransport_DialFallsBackToReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p, _ := NewPBXTransport(PBXOptions{BaseURL: srv.URL}, staticHeader{value: "Bearer t"}, nil)
	call, err := p.Dial(context.Background(), "1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if call.ID != call.Reference {
		t.Fatalf("expected id to fall back to reference, got %+v", call)
	}
}

func TestPBXTransport_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusForbidden, want: ErrUnauthorized},
		{status: http.StatusNotFound, want: ErrNotFound},
		{status: http.StatusBadGateway, want: ErrRemote},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		p, _ := NewPBXTransport(PBXOptions{BaseURL: srv.URL}, staticHeader{value: "Bearer t"}, nil)
		err := p.Hangup(context.Background(), "c1")
		srv.Close()
		if !errors.Is(err, tt.want) {
			t.Fatalf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestPBXTransport_StatusAndControl(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"id":"c1","status":"ringing"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, _ := NewPBXTransport(PBXOptions{BaseURL: srv.URL}, staticHeader{value: "Bearer t"}, nil)
	ctx := context.Background()

	status, err := p.Status(ctx, "c1")
	if err != nil || status != "ringing" {
		t.Fatalf("status: %q %v", status, err)
	}
	for _, op := range []func() error{
		func() error { return p.Accept(ctx, "c1") },
		func() error { return p.Reject(ctx, "c1") },
		func() error { return p.SetMute(ctx, "c1", true) },
		func() error { return p.Hangup(ctx, "c1") },
	} {
		if err := op(); err != nil {
			t.Fatalf("op: %v", err)
		}
	}

	want := []string{"GET /calls/c1", "POST /calls/c1/accept", "POST /calls/c1/reject", "POST /calls/c1/mute", "DELETE /calls/c1"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected requests %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("request %d: got %q want %q", i, paths[i], want[i])
		}
	}
}

func TestPBXTransport_HeaderFailure(t *testing.T) {
	p, _ := NewPBXTransport(PBXOptions{BaseURL: "http://127.0.0.1:1"}, staticHeader{err: errors.New("no credential")}, nil)
	if _, err := p.Dial(context.Background(), "1"); err == nil {
		t.Fatalf("expected error when no header is available")
	}
}
