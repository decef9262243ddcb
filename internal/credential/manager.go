package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collections-dialer/pkg/clock"
	"collections-dialer/pkg/logger"

	"golang.org/x/sync/singleflight"
)

const (
	attemptThrottle  = 2 * time.Second
	headerFreshness  = time.Second
	minRenewalDelay  = 10 * time.Second
	maxRenewalDelay  = time.Hour
	renewalRetryWait = 30 * time.Second

	defaultLoginTimeout = 15 * time.Second
	defaultForcedBudget = 3
)

type Options struct {
	Store   Store
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	// MaxForcedRenewals bounds consecutive ForceRenew calls without an
	// intervening MarkAuthorized.
	MaxForcedRenewals int
	LoginTimeout      time.Duration
}

// Manager owns the PBX bearer credential: it logs in on demand, caches the
// result, persists it, and renews it before expiry. Concurrent callers share
// one in-flight login.
type Manager struct {
	login   LoginClient
	store   Store
	clock   clock.Clock
	log     *slog.Logger
	metrics *Metrics

	maxForced    int
	loginTimeout time.Duration

	flight singleflight.Group
	cred   atomic.Pointer[Credential]
	header atomic.Pointer[cachedHeader]

	mu          sync.Mutex
	epoch       uint64
	lastAttempt time.Time
	renewTimer  *clock.Timer
	renewGen    uint64
	retried     bool
	forced      int
}

type cachedHeader struct {
	value string
	at    time.Time
}

func NewManager(login LoginClient, opts Options) (*Manager, error) {
	if login == nil {
		return nil, errors.New("credential: login client is nil")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxForcedRenewals <= 0 {
		opts.MaxForcedRenewals = defaultForcedBudget
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = defaultLoginTimeout
	}
	return &Manager{
		login:        login,
		store:        opts.Store,
		clock:        opts.Clock,
		log:          logger.Component(opts.Logger, "credential"),
		metrics:      opts.Metrics,
		maxForced:    opts.MaxForcedRenewals,
		loginTimeout: opts.LoginTimeout,
	}, nil
}

/* ===================== PUBLIC API ===================== */

// Authenticate performs a login shared by every concurrent caller.
// An attempt within 2s of the previous one returns the cached credential if
// it is still usable.
func (m *Manager) Authenticate(ctx context.Context) (Credential, error) {
	return m.authenticate(ctx, false)
}

// Token returns the cached credential while it is usable, otherwise logs in.
func (m *Manager) Token(ctx context.Context) (Credential, error) {
	now := m.clock.Now()
	if c := m.cred.Load(); c != nil && c.Usable(now) {
		return *c, nil
	}
	c, err := m.Authenticate(ctx)
	if err != nil {
		return Credential{}, err
	}
	if !c.Usable(m.clock.Now()) {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

// AuthHeader returns the Authorization header value. A header produced
// within the last second is reused while its credential is still usable.
func (m *Manager) AuthHeader(ctx context.Context) (string, error) {
	now := m.clock.Now()
	if h := m.header.Load(); h != nil && now.Sub(h.at) < headerFreshness {
		if c := m.cred.Load(); c != nil && c.Usable(now) && c.Header() == h.value {
			return h.value, nil
		}
	}

	c, err := m.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	value := c.Header()
	m.header.Store(&cachedHeader{value: value, at: now})
	return value, nil
}

// Current returns the cached credential without logging in.
func (m *Manager) Current() (Credential, bool) {
	c := m.cred.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// Clear cancels renewal, drops the cached credential and header, and
// removes the persisted copy.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	m.stopRenewalLocked()
	m.retried = false
	m.mu.Unlock()

	m.drop()
	if err := m.store.Delete(ctx); err != nil {
		m.log.Warn("credential store delete failed", "err", err)
		return err
	}
	return nil
}

// Restore loads a persisted credential, if one is still usable, and
// schedules its renewal.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	now := m.clock.Now()
	c, ok, err := m.store.Load(ctx, now)
	if err != nil {
		return false, err
	}
	if !ok || !c.Usable(now) {
		return false, nil
	}

	m.mu.Lock()
	m.cred.Store(&c)
	m.header.Store(nil)
	m.scheduleRenewalLocked(c, now)
	m.mu.Unlock()

	m.log.Info("credential restored", "expires_at", c.expiresAt)
	return true, nil
}

// ForceRenew discards the current credential and logs in again, bypassing
// the attempt throttle. It is used after the PBX rejects a request as
// unauthorized. Consecutive calls are bounded; MarkAuthorized resets the count.
func (m *Manager) ForceRenew(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	if m.forced >= m.maxForced {
		m.mu.Unlock()
		m.metrics.renewal("forced", "suspended")
		m.log.Warn("forced renewal suspended", "budget", m.maxForced)
		return Credential{}, ErrRenewalSuspended
	}
	m.forced++
	m.mu.Unlock()

	m.drop()
	c, err := m.authenticate(ctx, true)
	if err != nil {
		m.metrics.renewal("forced", "error")
		return Credential{}, err
	}
	m.metrics.renewal("forced", "ok")
	return c, nil
}

// MarkAuthorized records that the PBX accepted a request.
func (m *Manager) MarkAuthorized() {
	m.mu.Lock()
	m.forced = 0
	m.mu.Unlock()
}

/* ===================== LOGIN ===================== */

func (m *Manager) authenticate(ctx context.Context, bypassThrottle bool) (Credential, error) {
	ch := m.flight.DoChan("login", func() (any, error) {
		// Detached from any one caller: others may be waiting on this result.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
		defer cancel()
		return m.doLogin(lctx, bypassThrottle)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Credential{}, r.Err
		}
		return r.Val.(Credential), nil
	}
}

func (m *Manager) doLogin(ctx context.Context, bypassThrottle bool) (Credential, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if !bypassThrottle && !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < attemptThrottle {
		if c := m.cred.Load(); c != nil && c.Usable(now) {
			m.mu.Unlock()
			m.log.Debug("login throttled, returning cached credential")
			return *c, nil
		}
	}
	m.lastAttempt = now
	epoch := m.epoch
	m.mu.Unlock()

	grant, err := m.login.Login(ctx)
	if err == nil && grant.Token == "" {
		err = fmt.Errorf("%w: empty token", ErrMalformedLogin)
	}
	if err != nil {
		m.metrics.attempt("error")
		m.drop()
		if derr := m.store.Delete(ctx); derr != nil {
			m.log.Warn("credential store delete failed", "err", derr)
		}
		m.log.Error("authentication failed", "err", err)
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	obtained := m.clock.Now()
	c := newCredential(grant.Token, grant.expiry(obtained), obtained)
	m.metrics.attempt("ok")

	m.mu.Lock()
	if m.epoch != epoch {
		// Cleared while the login was in flight.
		m.mu.Unlock()
		return c, nil
	}
	m.cred.Store(&c)
	m.header.Store(nil)
	m.scheduleRenewalLocked(c, obtained)
	m.mu.Unlock()

	if err := m.store.Save(ctx, c); err != nil {
		m.log.Warn("credential persist failed", "err", err)
	}
	m.log.Info("credential obtained", "expires_at", c.expiresAt)
	return c, nil
}

func (m *Manager) drop() {
	m.cred.Store(nil)
	m.header.Store(nil)
}

/* ===================== RENEWAL ===================== */

// renewalDelay is 75% of the remaining lifetime clamped to [10s, 1h].
// ok is false when 10s or less remain.
func renewalDelay(remaining time.Duration) (time.Duration, bool) {
	if remaining <= minRenewalDelay {
		return 0, false
	}
	d := remaining * 3 / 4
	if d < minRenewalDelay {
		d = minRenewalDelay
	}
	if d > maxRenewalDelay {
		d = maxRenewalDelay
	}
	return d, true
}

func (m *Manager) scheduleRenewalLocked(c Credential, now time.Time) {
	m.stopRenewalLocked()
	m.retried = false

	d, ok := renewalDelay(c.expiresAt.Sub(now))
	if !ok {
		m.log.Warn("credential too close to expiry to schedule renewal", "expires_at", c.expiresAt)
		return
	}
	gen := m.renewGen
	m.renewTimer = m.clock.AfterFunc(d, func() { m.renew(gen) })
	m.log.Debug("renewal scheduled", "in", d)
}

func (m *Manager) stopRenewalLocked() {
	m.renewGen++
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
}

func (m *Manager) renew(gen uint64) {
	m.mu.Lock()
	if gen != m.renewGen {
		m.mu.Unlock()
		return
	}
	m.renewTimer = nil
	m.mu.Unlock()

	_, err := m.authenticate(context.Background(), true)
	if err == nil {
		m.metrics.renewal("scheduled", "ok")
		return
	}
	m.metrics.renewal("scheduled", "error")

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.renewGen {
		return
	}
	if m.retried {
		m.log.Error("credential renewal failed again, giving up", "err", err)
		return
	}
	m.retried = true
	m.renewGen++
	next := m.renewGen
	m.renewTimer = m.clock.AfterFunc(renewalRetryWait, func() { m.renew(next) })
	m.log.Warn("credential renewal failed, retrying", "in", renewalRetryWait, "err", err)
}
