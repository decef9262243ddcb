package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"collections-dialer/internal/dispatch"
	"collections-dialer/pkg/clock"
	"collections-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Launcher hands a URI to whatever the OS has registered for its scheme.
type Launcher interface {
	Launch(uri string) error
}

// CommandLauncher runs the platform URI opener.
type CommandLauncher struct {
	goos string
	run  func(name string, args ...string) error
}

func NewCommandLauncher() *CommandLauncher {
	return &CommandLauncher{
		goos: runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Start()
		},
	}
}

func (l *CommandLauncher) Launch(uri string) error {
	name, args, err := launchCommand(l.goos, uri)
	if err != nil {
		return err
	}
	return l.run(name, args...)
}

func launchCommand(goos, uri string) (string, []string, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{uri}, nil
	case "darwin":
		return "open", []string{uri}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", uri}, nil
	default:
		return "", nil, fmt.Errorf("%w: no uri launcher for %s", ErrUnsupported, goos)
	}
}

// ExternalTransport passes the call to a desktop softphone via a tel: URI.
// Nothing about the remote call is observable, so the call is assumed
// answered after ConnectDelay and ends only when the agent hangs up here.
type ExternalTransport struct {
	launcher Launcher
	sink     dispatch.Sink
	clock    clock.Clock
	delay    time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

var _ Transport = (*ExternalTransport)(nil)

func NewExternalTransport(launcher Launcher, sink dispatch.Sink, clk clock.Clock, connectDelay time.Duration, log *slog.Logger) (*ExternalTransport, error) {
	if launcher == nil {
		return nil, errors.New("telephony: launcher is nil")
	}
	if sink == nil {
		return nil, errors.New("telephony: external event sink is nil")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if connectDelay <= 0 {
		connectDelay = 3 * time.Second
	}
	return &ExternalTransport{
		launcher: launcher,
		sink:     sink,
		clock:    clk,
		delay:    connectDelay,
		log:      logger.Component(log, "external"),
		timers:   make(map[string]*clock.Timer),
	}, nil
}

func (t *ExternalTransport) Name() string { return "external" }

func (t *ExternalTransport) Start(ctx context.Context) error {
	t.log.Warn("external softphone mode: call progress is not observable")
	return nil
}

func (t *ExternalTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	return nil
}

func (t *ExternalTransport) Dial(ctx context.Context, number string) (Call, error) {
	uri := "tel:+" + number
	if err := t.launcher.Launch(uri); err != nil {
		return Call{}, fmt.Errorf("telephony: launch %s: %w", uri, err)
	}

	id := "ext-" + uuid.NewString()
	t.log.Warn("call handed to external softphone; state is assumed", "call_id", id, "assume_answered_after", t.delay)
	t.publish(dispatch.SessionPayload{CallID: id, State: dispatch.SessionEstablishing})

	t.mu.Lock()
	t.timers[id] = t.clock.AfterFunc(t.delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if live {
			t.publish(dispatch.SessionPayload{CallID: id, State: dispatch.SessionEstablished})
		}
	})
	t.mu.Unlock()

	return Call{ID: id, Reference: id}, nil
}

// Hangup can only forget the call; the softphone must be hung up by the agent.
func (t *ExternalTransport) Hangup(ctx context.Context, callID string) error {
	t.mu.Lock()
	if tm, ok := t.timers[callID]; ok {
		tm.Stop()
		delete(t.timers, callID)
	}
	t.mu.Unlock()
	return nil
}

func (t *ExternalTransport) Accept(ctx context.Context, callID string) error {
	return ErrUnsupported
}

func (t *ExternalTransport) Reject(ctx context.Context, callID string) error {
	return ErrUnsupported
}

func (t *ExternalTransport) SetMute(ctx context.Context, callID string, muted bool) error {
	return ErrUnsupported
}

func (t *ExternalTransport) publish(p dispatch.SessionPayload) {
	if err := t.sink.Publish(context.Background(), p); err != nil {
		t.log.Warn("session event dropped", "call_id", p.CallID, "err", err)
	}
}
