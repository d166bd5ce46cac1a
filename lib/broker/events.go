package broker

import (
	"fmt"
	"sync"
	"time"
)

// EventKind identifies what an Event carries.
type EventKind uint8

const (
	// EventStateChanged: From and To are set.
	EventStateChanged EventKind = iota + 1
	// EventError: Err is set.
	EventError
	// EventPluginEvent: Payload holds the plugin's opaque event.
	EventPluginEvent
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventError:
		return "error"
	case EventPluginEvent:
		return "plugin_event"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is published to every subscriber. Events of one plugin are
// delivered in the order the session produced them.
type Event struct {
	Kind    EventKind
	Plugin  Identity
	At      time.Time
	From    State
	To      State
	Err     *PluginError
	Payload []byte
}

// hub fans events out to subscribers.
type hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe() *Subscription {
	sub := &Subscription{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
		hub:    h,
	}
	sub.C = sub.out

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	return sub
}

// publish never blocks on a subscriber.
func (h *hub) publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		sub.enqueue(event)
	}
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Subscription is a stream of broker events. C is closed once the
// subscription is closed, either by Close or by Broker.Close.
type Subscription struct {
	C <-chan Event

	out    chan Event
	notify chan struct{}
	done   chan struct{}
	hub    *hub

	mu       sync.Mutex
	queue    []Event
	stopOnce sync.Once
}

// Close stops delivery. Undelivered events are dropped.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
