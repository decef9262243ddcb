package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/auth"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/credential"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/rbac"
	"collections-dialer/internal/reporting"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Controller is the call-control surface the agent API drives.
type Controller interface {
	Dial(ctx context.Context, number string) (calls.Session, error)
	Hangup(ctx context.Context) error
	Accept(ctx context.Context) (calls.Session, error)
	Reject(ctx context.Context) error
	SetMute(ctx context.Context, muted bool) error
	Current() (calls.Session, bool)
	State() calls.State
	TransportName() string
	Subscribe() *calls.Subscription
}

var _ Controller = (*calls.Controller)(nil)

// ProgressWaiter blocks until the remote side reports progress on a call.
type ProgressWaiter interface {
	WaitFor(ctx context.Context, callID string, kinds ...dispatch.Kind) (dispatch.Event, error)
}

var _ ProgressWaiter = (*dispatch.Dispatcher)(nil)

// maxDialWait caps ?wait on dial.
const maxDialWait = 30 * time.Second

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Calls    Controller
	Progress ProgressWaiter
	Records  calls.Repository
	Reports  *reporting.Service
	Audit    *audit.Service
	Auth     *auth.Manager
	LineID   string
}

// ClientIP attaches the resolved client IP to the request context for audit.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

/* ===================== AUTH ===================== */

type tokenRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

// IssueToken mints a token pair for local development. Agent tokens are
// bound to this process's line.
//
// NOTE: never routed in production; agents get tokens from the upstream IdP.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id and a known role required"})
		return
	}
	lineID := ""
	if req.Role == rbac.RoleAgent {
		lineID = h.LineID
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.AgentID, lineID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	h.record(c, audit.EventTypeToken, req.AgentID, req.Role, "", "dev token issued", nil)
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

/* ===================== CALL CONTROL ===================== */

type dialRequest struct {
	Number string `json:"number"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// Dial places an outbound call. With ?wait=<duration> (at most 30s) the
// response is held until the remote side reports ringing, answer or hangup.
func (h Handlers) Dial(c *gin.Context) {
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Number == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "number required"})
		return
	}
	var wait time.Duration
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > maxDialWait {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wait must be a duration up to 30s"})
			return
		}
		wait = d
	}

	s, err := h.Calls.Dial(c.Request.Context(), req.Number)
	h.audit(c, audit.EventTypeDial, s.Reference, req.Number, err)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	if wait > 0 && h.Progress != nil {
		s = h.awaitProgress(c.Request.Context(), s, wait)
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) Hangup(c *gin.Context) {
	ref := h.currentRef()
	err := h.Calls.Hangup(c.Request.Context())
	h.audit(c, audit.EventTypeHangup, ref, "", err)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Accept(c *gin.Context) {
	ref := h.currentRef()
	s, err := h.Calls.Accept(c.Request.Context())
	h.audit(c, audit.EventTypeAccept, ref, "", err)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Reject(c *gin.Context) {
	ref := h.currentRef()
	err := h.Calls.Reject(c.Request.Context())
	h.audit(c, audit.EventTypeReject, ref, "", err)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "muted required"})
		return
	}
	ref := h.currentRef()
	err := h.Calls.SetMute(c.Request.Context(), *req.Muted)
	h.audit(c, audit.EventTypeMute, ref, strconv.FormatBool(*req.Muted), err)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": *req.Muted})
}

/* ===================== QUERIES ===================== */

func (h Handlers) Current(c *gin.Context) {
	s, ok := h.Calls.Current()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active call", "state": h.Calls.State()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// Events streams controller notifications as server-sent events. The first
// event is a snapshot of the current state.
func (h Handlers) Events(c *gin.Context) {
	sub := h.Calls.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	snapshot := gin.H{"state": h.Calls.State(), "transport": h.Calls.TransportName()}
	if s, ok := h.Calls.Current(); ok {
		snapshot["session"] = s
	}
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(n.Kind), n)
			return true
		}
	})
}

// ListRecords lists finished calls, newest first.
func (h Handlers) ListRecords(c *gin.Context) {
	if h.Records == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "records not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.Records.Recent(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("list records failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "records lookup failed"})
		return
	}
	if recs == nil {
		recs = []calls.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// CallsSummary aggregates finished calls in [from, to) (RFC3339; default
// the last 24h) for line_id, defaulting to this process's line.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		LineID: c.DefaultQuery("line_id", h.LineID),
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("calls summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// AuditLog lists recent agent actions, newest first.
func (h Handlers) AuditLog(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evs, err := h.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("list audit failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

/* ===================== HELPERS ===================== */

// awaitProgress returns the freshest view of s once the remote side moves
// past dialling, or s unchanged when wait runs out first.
func (h Handlers) awaitProgress(ctx context.Context, s calls.Session, wait time.Duration) calls.Session {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if cur, ok := h.Calls.Current(); ok && cur.ID == s.ID && cur.State != calls.StateCalling {
		return cur
	}
	ev, err := h.Progress.WaitFor(ctx, s.ID, dispatch.KindRinging, dispatch.KindAnswered, dispatch.KindTerminated)
	if err != nil {
		return s
	}
	if cur, ok := h.Calls.Current(); ok && cur.ID == s.ID {
		return cur
	}
	// Terminal events clear the session before waiters run.
	if ev.Kind == dispatch.KindTerminated {
		s.State = calls.StateEnded
		if ev.IsFailure() {
			s.State = calls.StateFailed
		}
		s.Outcome = ev.Reason
	}
	return s
}

func (h Handlers) currentRef() string {
	if s, ok := h.Calls.Current(); ok {
		return s.Reference
	}
	return ""
}

func (h Handlers) audit(c *gin.Context, typ audit.EventType, callID, message string, cause error) {
	agentID, _ := auth.AgentID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	h.record(c, typ, agentID, role, callID, message, cause)
}

// record is best-effort: failures are logged, never surfaced.
func (h Handlers) record(c *gin.Context, typ audit.EventType, agentID, role, callID, message string, cause error) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.LogCallAction(c.Request.Context(), typ, agentID, role, callID, message, cause); err != nil {
		logger.FromGin(c).Warn("audit append failed", "type", typ, "err", err)
	}
}

func abortWithCallError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("call command failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, telephony.ErrInvalidNumber):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrCallInProgress), errors.Is(err, calls.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, calls.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, telephony.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, telephony.ErrUnauthorized),
		errors.Is(err, telephony.ErrRemote),
		errors.Is(err, telephony.ErrNotFound),
		errors.Is(err, credential.ErrAuthFailed),
		errors.Is(err, credential.ErrNoCredential),
		errors.Is(err, credential.ErrMalformedLogin),
		errors.Is(err, credential.ErrRenewalSuspended):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
