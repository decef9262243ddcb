package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/auth"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/config"
	"collections-dialer/internal/credential"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/reporting"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/clock"

	"github.com/gin-gonic/gin"
)

type fakeTransport struct {
	mu    sync.Mutex
	n     int
	muteE error
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Close(context.Context) error { return nil }
func (f *fakeTransport) Hangup(context.Context, string) error { return nil }
func (f *fakeTransport) Accept(context.Context, string) error { return nil }
func (f *fakeTransport) Reject(context.Context, string) error { return nil }

func (f *fakeTransport) Dial(context.Context, string) (telephony.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return telephony.Call{ID: fmt.Sprintf("remote-%d", f.n)}, nil
}

func (f *fakeTransport) SetMute(context.Context, string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muteE
}

// fakeProgress hands the controller the queued event before releasing the
// waiter, the same order the dispatcher uses.
type fakeProgress struct {
	ctrl *calls.Controller
	mu   sync.Mutex
	next *dispatch.Event
}

func (f *fakeProgress) queue(ev dispatch.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = &ev
}

func (f *fakeProgress) WaitFor(ctx context.Context, callID string, _ ...dispatch.Kind) (dispatch.Event, error) {
	f.mu.Lock()
	next := f.next
	f.next = nil
	f.mu.Unlock()
	if next == nil {
		<-ctx.Done()
		return dispatch.Event{}, ctx.Err()
	}
	ev := *next
	ev.CallID = callID
	f.ctrl.HandleEvent(ctx, ev)
	return ev, nil
}

type testAPI struct {
	router   *gin.Engine
	ctrl     *calls.Controller
	tr       *fakeTransport
	progress *fakeProgress
	audit    *audit.MemoryRepo
	records  *calls.MemoryRepo
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tr := &fakeTransport{}
	ctrl, err := calls.NewController(tr, calls.Options{
		Clock:       clock.Fake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		CountryCode: "27",
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	auditRepo := audit.NewMemoryRepo()
	records := calls.NewMemoryRepo()
	progress := &fakeProgress{ctrl: ctrl}
	h := Handlers{
		Calls:    ctrl,
		Progress: progress,
		Records:  records,
		Reports:  reporting.NewService(records),
		Audit:    audit.NewService(auditRepo, "line-1"),
		LineID:   "line-1",
	}

	r := gin.New()
	r.Use(ClientIP())
	v1 := r.Group("/v1", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "agent-1", "line-1", "agent")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	v1.POST("/calls", h.Dial)
	v1.GET("/calls/current", h.Current)
	v1.POST("/calls/current/hangup", h.Hangup)
	v1.POST("/calls/current/accept", h.Accept)
	v1.POST("/calls/current/reject", h.Reject)
	v1.POST("/calls/current/mute", h.Mute)
	v1.GET("/calls/events", h.Events)
	v1.GET("/calls/records", h.ListRecords)
	v1.GET("/reports/calls", h.CallsSummary)
	v1.GET("/audit", h.AuditLog)

	return &testAPI{router: r, ctrl: ctrl, tr: tr, progress: progress, audit: auditRepo, records: records}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestDialAndHangup(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/calls", `{"number":"082 123 4567"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("dial: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var s calls.Session
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Counterpart != "27821234567" || s.State != calls.StateCalling || s.ID != "remote-1" {
		t.Fatalf("unexpected session %+v", s)
	}

	if w := api.do(t, http.MethodPost, "/v1/calls", `{"number":"0821234567"}`); w.Code != http.StatusConflict {
		t.Fatalf("second dial: expected 409, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/calls/current", ""); w.Code != http.StatusOK {
		t.Fatalf("current: expected 200, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/v1/calls/current/hangup", ""); w.Code != http.StatusNoContent {
		t.Fatalf("hangup: expected 204, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/calls/current", ""); w.Code != http.StatusNotFound {
		t.Fatalf("current after hangup: expected 404, got %d", w.Code)
	}

	evs := api.audit.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(evs))
	}
	if evs[0].Type != audit.EventTypeDial || evs[0].AgentID != "agent-1" || evs[0].Outcome != "ok" || evs[0].CallID != s.Reference || evs[0].IPAddress == "" {
		t.Fatalf("unexpected dial audit %+v", evs[0])
	}
	if evs[1].Outcome == "ok" {
		t.Fatalf("rejected dial should be audited with its error")
	}
	if evs[2].Type != audit.EventTypeHangup || evs[2].CallID != s.Reference {
		t.Fatalf("unexpected hangup audit %+v", evs[2])
	}
}

func TestDialWaitsForProgress(t *testing.T) {
	api := newTestAPI(t)

	decode := func(w *httptest.ResponseRecorder) calls.Session {
		t.Helper()
		if w.Code != http.StatusCreated {
			t.Fatalf("dial: expected 201, got %d: %s", w.Code, w.Body.String())
		}
		var s calls.Session
		if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return s
	}

	for _, q := range []string{"?wait=1m", "?wait=soon", "?wait=-1s"} {
		if w := api.do(t, http.MethodPost, "/v1/calls"+q, `{"number":"0821234567"}`); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}

	if s := decode(api.do(t, http.MethodPost, "/v1/calls?wait=20ms", `{"number":"0821234567"}`)); s.State != calls.StateCalling {
		t.Fatalf("no progress: expected calling, got %s", s.State)
	}
	api.do(t, http.MethodPost, "/v1/calls/current/hangup", "")

	api.progress.queue(dispatch.Event{Kind: dispatch.KindAnswered})
	if s := decode(api.do(t, http.MethodPost, "/v1/calls?wait=2s", `{"number":"0821234567"}`)); s.State != calls.StateConnected {
		t.Fatalf("answered: expected connected, got %s", s.State)
	}
	api.do(t, http.MethodPost, "/v1/calls/current/hangup", "")

	api.progress.queue(dispatch.Event{Kind: dispatch.KindTerminated, Reason: dispatch.ReasonBusy})
	s := decode(api.do(t, http.MethodPost, "/v1/calls?wait=2s", `{"number":"0821234567"}`))
	if s.State != calls.StateFailed || s.Outcome != dispatch.ReasonBusy {
		t.Fatalf("busy: unexpected session %+v", s)
	}
	if _, ok := api.ctrl.Current(); ok {
		t.Fatalf("busy call should be cleared")
	}
}

func TestDialValidation(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing body", "", http.StatusBadRequest},
		{"missing number", `{}`, http.StatusBadRequest},
		{"no digits", `{"number":"abc"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := api.do(t, http.MethodPost, "/v1/calls", tt.body); w.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.name, tt.want, w.Code)
		}
	}
}

func TestCommandsWithoutCall(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"hangup", "accept", "reject"} {
		if w := api.do(t, http.MethodPost, "/v1/calls/current/"+path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
	}
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{"muted":true}`); w.Code != http.StatusNotFound {
		t.Fatalf("mute: expected 404, got %d", w.Code)
	}
}

func TestMute(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	s, err := api.ctrl.Dial(ctx, "0821234567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{"muted":true}`); w.Code != http.StatusConflict {
		t.Fatalf("mute while calling: expected 409, got %d", w.Code)
	}

	api.ctrl.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("mute without flag: expected 400, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{"muted":true}`); w.Code != http.StatusOK {
		t.Fatalf("mute: expected 200, got %d", w.Code)
	}
	if cur, _ := api.ctrl.Current(); !cur.Muted {
		t.Fatalf("expected muted session")
	}

	api.tr.mu.Lock()
	api.tr.muteE = telephony.ErrRemote
	api.tr.mu.Unlock()
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{"muted":false}`); w.Code != http.StatusOK {
		t.Fatalf("unacknowledged unmute: expected 200, got %d", w.Code)
	}
	if cur, _ := api.ctrl.Current(); cur.Muted {
		t.Fatalf("unmute should apply locally")
	}

	api.tr.mu.Lock()
	api.tr.muteE = telephony.ErrUnsupported
	api.tr.mu.Unlock()
	if w := api.do(t, http.MethodPost, "/v1/calls/current/mute", `{"muted":true}`); w.Code != http.StatusNotImplemented {
		t.Fatalf("unsupported mute: expected 501, got %d", w.Code)
	}
}

func TestAcceptAndRejectIncoming(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	api.ctrl.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1", Caller: "100"})
	w := api.do(t, http.MethodPost, "/v1/calls/current/accept", "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d", w.Code)
	}
	if api.ctrl.State() != calls.StateConnected {
		t.Fatalf("expected connected, got %s", api.ctrl.State())
	}
	if w := api.do(t, http.MethodPost, "/v1/calls/current/accept", ""); w.Code != http.StatusConflict {
		t.Fatalf("accept while connected: expected 409, got %d", w.Code)
	}
	api.do(t, http.MethodPost, "/v1/calls/current/hangup", "")

	api.ctrl.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-2", Caller: "101"})
	if w := api.do(t, http.MethodPost, "/v1/calls/current/reject", ""); w.Code != http.StatusNoContent {
		t.Fatalf("reject: expected 204, got %d", w.Code)
	}
	if api.ctrl.State() != calls.StateRegistered {
		t.Fatalf("expected registered, got %s", api.ctrl.State())
	}
}

func TestEventsStream(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/calls/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() (string, string) {
		t.Helper()
		var event string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				return event, strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return "", ""
	}

	if ev, data := next(); ev != "snapshot" || !strings.Contains(data, `"registered"`) {
		t.Fatalf("unexpected first event %s %s", ev, data)
	}

	if _, err := api.ctrl.Dial(context.Background(), "0821234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	ev, data := next()
	if ev != string(calls.NotifyState) {
		t.Fatalf("expected state event, got %s", ev)
	}
	var n calls.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.State != calls.StateCalling || n.Counterpart != "27821234567" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestRecordsAndAuditLog(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, ref := range []string{"a", "b"} {
		_ = api.records.Save(ctx, calls.Record{ID: ref, Reference: ref, FinalState: calls.StateEnded, EndedAt: now.Add(time.Duration(i) * time.Second)})
	}
	api.do(t, http.MethodPost, "/v1/calls/current/hangup", "")

	w := api.do(t, http.MethodGet, "/v1/calls/records?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("records: expected 200, got %d", w.Code)
	}
	var out struct {
		Records []calls.Record `json:"records"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Records) != 1 || out.Records[0].Reference != "b" {
		t.Fatalf("unexpected records %+v", out.Records)
	}

	w = api.do(t, http.MethodGet, "/v1/audit", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"call.hangup"`)) {
		t.Fatalf("audit: unexpected %d %s", w.Code, w.Body.String())
	}
}

func TestIssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret"})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	repo := audit.NewMemoryRepo()
	h := Handlers{Auth: m, Audit: audit.NewService(repo, "line-1"), LineID: "line-1"}
	r := gin.New()
	r.POST("/token", h.IssueToken)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	if w := post(`{"agent_id":"a","role":"owner"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400, got %d", w.Code)
	}
	w := post(`{"agent_id":"a","role":"agent"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("issue: expected 200, got %d", w.Code)
	}
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &pair)
	claims, err := m.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.LineID != "line-1" {
		t.Fatalf("agent token should be bound to the line, got %q", claims.LineID)
	}
	if evs := repo.Events(); len(evs) != 1 || evs[0].Type != audit.EventTypeToken {
		t.Fatalf("expected token audit event, got %+v", evs)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{telephony.ErrInvalidNumber, http.StatusBadRequest},
		{calls.ErrCallInProgress, http.StatusConflict},
		{fmt.Errorf("%w: %w", calls.ErrCallInProgress, calls.ErrLineBusy), http.StatusConflict},
		{calls.ErrInvalidState, http.StatusConflict},
		{calls.ErrNoActiveCall, http.StatusNotFound},
		{calls.ErrNotReady, http.StatusServiceUnavailable},
		{telephony.ErrUnsupported, http.StatusNotImplemented},
		{fmt.Errorf("calls: dial: %w", telephony.ErrUnauthorized), http.StatusBadGateway},
		{errors.Join(telephony.ErrUnauthorized, credential.ErrRenewalSuspended), http.StatusBadGateway},
		{credential.ErrNoCredential, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

func TestCallsSummary(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	end := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	_ = api.records.Save(ctx, calls.Record{ID: "a", Reference: "a", LineID: "line-1", Direction: calls.Outbound, FinalState: calls.StateEnded, Outcome: dispatch.ReasonCompleted, ConnectedAt: end.Add(-time.Minute), EndedAt: end, DurationSeconds: 60})
	_ = api.records.Save(ctx, calls.Record{ID: "b", Reference: "b", LineID: "line-2", Direction: calls.Outbound, FinalState: calls.StateEnded, Outcome: dispatch.ReasonCompleted, EndedAt: end})

	w := api.do(t, http.MethodGet, "/v1/reports/calls?from=2026-02-01T00:00:00Z&to=2026-02-02T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out reporting.CallsSummary
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.LineID != "line-1" || out.TotalCalls != 1 || out.TotalDurationSeconds != 60 {
		t.Fatalf("unexpected summary %+v", out)
	}

	if w := api.do(t, http.MethodGet, "/v1/reports/calls?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad from: expected 400, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/reports/calls?from=2026-02-02T00:00:00Z&to=2026-02-01T00:00:00Z", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("inverted range: expected 400, got %d", w.Code)
	}
}
