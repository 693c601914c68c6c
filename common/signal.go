package common

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto"

	"github.com/grafana/browsermirror/api"
)

var _ api.Signal = &lifecycleSignal{}

// lifecycleSignal fires once, on the first matching lifecycle event of the
// main frame.
type lifecycleSignal struct {
	event cdproto.MethodType
	// urlSubstr is lowercase, empty matches any URL.
	urlSubstr string

	done     chan struct{}
	mu       sync.Mutex
	settled  bool
	onCancel func()
}

func newLifecycleSignal(event cdproto.MethodType, urlSubstr string) *lifecycleSignal {
	return &lifecycleSignal{
		event:     event,
		urlSubstr: strings.ToLower(urlSubstr),
		done:      make(chan struct{}),
	}
}

func (s *lifecycleSignal) matches(event cdproto.MethodType, url string) bool {
	return s.event == event && strings.Contains(strings.ToLower(url), s.urlSubstr)
}

// fire closes Done unless the signal already fired or was canceled. It
// reports whether the signal fired now.
func (s *lifecycleSignal) fire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return false
	}
	s.settled = true
	close(s.done)
	return true
}

// Done is closed when the signal fires.
func (s *lifecycleSignal) Done() <-chan struct{} {
	return s.done
}

// Cancel disarms the signal. Done never closes after Cancel unless it
// already had.
func (s *lifecycleSignal) Cancel() {
	s.mu.Lock()
	s.settled = true
	onCancel := s.onCancel
	s.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}
