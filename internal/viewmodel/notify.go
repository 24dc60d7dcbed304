package viewmodel

import (
	"fmt"
	"sync"
)

// EventKind says which field an Event reports a change of.
type EventKind int

const (
	// EventSnapshot is the first event every subscriber receives
	EventSnapshot EventKind = iota
	EventStatus
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventStatus:
		return "status"
	case EventProgress:
		return "progress"
	}
	return "unknown"
}

// MarshalText renders the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *EventKind) UnmarshalText(b []byte) error {
	for _, kind := range []EventKind{EventSnapshot, EventStatus, EventProgress} {
		if kind.String() == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event carries the full observable state at the moment of a change.
type Event struct {
	Kind     EventKind `json:"kind"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
}

// subscriber decouples the model's lock from slow readers: push never
// blocks, and a pump goroutine delivers queued events in order.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	quit chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery; events still queued are dropped.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.quit:
			return
		}
	}
}
