package cdp

import (
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Event is a decoded CDP event.
type Event struct {
	Name cdproto.MethodType
	Data any

	sessionID target.SessionID
	frameID   cdp.FrameID
}

// SessionID is the session of the target that emitted the event, empty for
// browser level events.
func (e *Event) SessionID() target.SessionID { return e.sessionID }

// subscription receives the events of a session, optionally narrowed to a
// frame. Events are queued without bound so that notify never blocks the
// receive loop nor drops events, and pumped to ch in order.
type subscription struct {
	sessionID target.SessionID
	frameID   cdp.FrameID
	events    map[cdproto.MethodType]bool

	mu     sync.Mutex
	queue  []*Event
	wake   chan struct{}
	done   chan struct{}
	ch     chan *Event
	closed bool
}

func (s *subscription) matches(evt *Event) bool {
	if !s.events[evt.Name] || s.sessionID != evt.sessionID {
		return false
	}
	return s.frameID == "" || evt.frameID == "" || s.frameID == evt.frameID
}

func (s *subscription) push(evt *Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// eventWatcher fans out received events to the matching subscriptions.
type eventWatcher struct {
	subsMu sync.RWMutex
	subs   map[*subscription]struct{}
}

func newEventWatcher() *eventWatcher {
	return &eventWatcher{
		subs: make(map[*subscription]struct{}),
	}
}

// subscribe returns a channel delivering the given events of a session (and
// frame, when set) and a function that unsubscribes and closes the channel.
func (w *eventWatcher) subscribe(
	sessionID target.SessionID, frameID cdp.FrameID, events ...cdproto.MethodType,
) (<-chan *Event, func()) {
	s := &subscription{
		sessionID: sessionID,
		frameID:   frameID,
		events:    make(map[cdproto.MethodType]bool, len(events)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ch:        make(chan *Event),
	}
	for _, evt := range events {
		s.events[evt] = true
	}

	w.subsMu.Lock()
	w.subs[s] = struct{}{}
	w.subsMu.Unlock()

	go s.pump()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			w.subsMu.Lock()
			delete(w.subs, s)
			w.subsMu.Unlock()
			s.cancel()
		})
	}
}

func (w *eventWatcher) notify(evt *Event) {
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	for s := range w.subs {
		if s.matches(evt) {
			s.push(evt)
		}
	}
}

// closeAll cancels every subscription, closing their channels.
func (w *eventWatcher) closeAll() {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	for s := range w.subs {
		s.cancel()
		delete(w.subs, s)
	}
}
