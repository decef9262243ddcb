package calls

import (
	"sync"
	"time"
)

type NotificationKind string

const (
	NotifyState    NotificationKind = "state"
	NotifyDuration NotificationKind = "duration"
	NotifyIncoming NotificationKind = "incoming"
	NotifyMute     NotificationKind = "mute"
)

// Notification is what subscribers observe of the controller.
//
// Final is set on the state notification that closes a session (a terminal
// state, or idle after a rejected invite); Session then carries the
// finished snapshot.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	State       State            `json:"state"`
	Counterpart string           `json:"counterpart,omitempty"`
	Caller      string           `json:"caller,omitempty"`
	Duration    time.Duration    `json:"-"`
	Seconds     int              `json:"duration_seconds,omitempty"`
	Muted       bool             `json:"muted,omitempty"`
	Final       bool             `json:"final,omitempty"`
	Session     Session          `json:"session"`
	At          time.Time        `json:"at"`
}

// Subscription receives notifications in publish order on C. Publishing
// never blocks: each subscription buffers in its own mailbox until read.
type Subscription struct {
	C <-chan Notification

	out    chan Notification
	hub    *notifier
	id     uint64
	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Close unsubscribes and closes C once pending deliveries are abandoned.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, n := range batch {
			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}

type notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[uint64]*Subscription)}
}

func (h *notifier) subscribe() *Subscription {
	out := make(chan Notification)
	s := &Subscription{
		C:      out,
		out:    out,
		hub:    h,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

func (h *notifier) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *notifier) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.push(n)
	}
}

func (h *notifier) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
