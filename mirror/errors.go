package mirror

import "fmt"

// UnsupportedKindError is returned when acquiring a context of a browser
// kind that cannot be mirrored.
type UnsupportedKindError struct {
	Kind Kind
}

func (e *UnsupportedKindError) Error() string {
	if e.Kind == Firefox {
		return "firefox is not supported: it does not speak the Chrome DevTools Protocol"
	}
	return fmt.Sprintf("unsupported browser kind %q", string(e.Kind))
}

// SessionBootstrapError is returned when a browser session could not be
// started. The partially started browser has been closed.
type SessionBootstrapError struct {
	Kind Kind
	Err  error
}

func (e *SessionBootstrapError) Error() string {
	return fmt.Sprintf("starting %s session: %v", e.Kind, e.Err)
}

func (e *SessionBootstrapError) Unwrap() error {
	return e.Err
}
