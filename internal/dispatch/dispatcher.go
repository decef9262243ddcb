package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"collections-dialer/pkg/logger"
)

// Sink accepts raw transport payloads. Publish never blocks on the consumer.
type Sink interface {
	Publish(ctx context.Context, p Payload) error
}

// Handler consumes normalized events in queue order.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Dispatcher owns the single ordered event queue shared by push, poll and
// session producers. One goroutine (Run) drains it.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []Event
	signal  chan struct{}

	waitMu  sync.Mutex
	waiters map[string]map[uint64]func(Event)
	nextID  uint64
}

func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:     logger.Component(log, "dispatch"),
		signal:  make(chan struct{}, 1),
		waiters: make(map[string]map[uint64]func(Event)),
	}
}

var _ Sink = (*Dispatcher)(nil)

// Publish normalizes p and enqueues the event. Unknown shapes are logged and
// returned as ErrUnknownPayload.
func (d *Dispatcher) Publish(ctx context.Context, p Payload) error {
	ev, err := Normalize(p)
	if err != nil {
		logger.From(ctx).Warn("payload rejected", "component", "dispatch", "err", err)
		return err
	}
	d.enqueue(ev)
	return nil
}

func (d *Dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run delivers queued events to h and then to per-call waiters until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("dispatch: handler is nil")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.signal:
		}

		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			batch := d.pending
			d.pending = nil
			d.mu.Unlock()

			for _, ev := range batch {
				d.log.Debug("event", "kind", ev.Kind, "call_id", ev.CallID, "source", ev.Source, "reason", ev.Reason)
				h.HandleEvent(ctx, ev)
				d.notifyWaiters(ev)
			}
		}
	}
}

// Await registers fn for every event carrying callID. The returned func
// unregisters it.
func (d *Dispatcher) Await(callID string, fn func(Event)) (cancel func()) {
	d.waitMu.Lock()
	d.nextID++
	id := d.nextID
	if d.waiters[callID] == nil {
		d.waiters[callID] = make(map[uint64]func(Event))
	}
	d.waiters[callID][id] = fn
	d.waitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.waitMu.Lock()
			defer d.waitMu.Unlock()
			delete(d.waiters[callID], id)
			if len(d.waiters[callID]) == 0 {
				delete(d.waiters, callID)
			}
		})
	}
}

// WaitFor blocks until an event of one of kinds arrives for callID.
// With no kinds any event matches.
func (d *Dispatcher) WaitFor(ctx context.Context, callID string, kinds ...Kind) (Event, error) {
	ch := make(chan Event, 1)
	cancel := d.Await(callID, func(ev Event) {
		if len(kinds) > 0 && !containsKind(kinds, ev.Kind) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer cancel()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev := <-ch:
		return ev, nil
	}
}

func (d *Dispatcher) notifyWaiters(ev Event) {
	d.waitMu.Lock()
	fns := make([]func(Event), 0, len(d.waiters[ev.CallID]))
	for _, fn := range d.waiters[ev.CallID] {
		fns = append(fns, fn)
	}
	d.waitMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}
