package mirror

import (
	"fmt"
	"strings"

	"github.com/grafana/browsermirror/chromium"
)

// Kind names a browser product.
type Kind string

// Known browser kinds. Firefox is recognized but cannot be mirrored.
const (
	Chrome   Kind = chromium.KindChrome
	Edge     Kind = chromium.KindEdge
	Chromium Kind = chromium.KindChromium
	Firefox  Kind = "firefox"
)

// ParseKind normalizes s into a Kind. Unknown names are returned as is and
// rejected when acquiring a context.
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// Supported reports whether contexts of kind can be acquired.
func (k Kind) Supported() bool {
	return chromium.Supported(string(k))
}

// SessionState is the lifecycle state of a kind's browser session.
type SessionState int

const (
	Uninitialized SessionState = iota
	Starting
	Ready
	Stopped
)

func (s SessionState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}
