package event

import (
	"sync"
	"time"
)

// Publisher is the sending half of the bus, handed to controllers
type Publisher interface {
	Publish(e Event)
}

// subscriber buffers events without bound so a slow consumer never drops
// a control event and never stalls the publisher.
type subscriber struct {
	kinds map[Kind]bool
	out   chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.wake:
			// woken while blocked on out: either a new event or close
			s.mu.Lock()
			closed := s.closed
			if !closed {
				s.queue = append([]Event{e}, s.queue...)
			}
			s.mu.Unlock()
			if closed {
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus fans control events out to every subscriber, in publish order per
// subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs a ready Bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer for the given kinds (all kinds when none
// are given). The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	s := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.close()
		})
	}
	return s.out, unsub
}

// Publish delivers e to every interested subscriber
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.wants(e.Kind) {
			s.push(e)
		}
	}
}

// Len returns the current subscriber count
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
