package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/grafana/browsermirror/env"
)

// Scenario defaults: search NuGet for Selenium.
const (
	DefaultSearchSelector = "[name='q']"
	DefaultQuery          = "Selenium"
	DefaultButtonSelector = "button.btn-search"
	DefaultResultFilter   = "q=Selenium"
	DefaultLinger         = time.Second
)

// Scenario is the search every context of a fleet performs: open URL, type
// Query in the search box, submit it and wait for the results page.
type Scenario struct {
	URL            string
	SearchSelector string
	Query          string
	ButtonSelector string
	// ResultFilter is matched case-insensitively against the URL of the
	// results page.
	ResultFilter string
	// Timeout bounds the wait for the results page.
	Timeout time.Duration
	// Linger is how long the results stay on screen before the context
	// is closed.
	Linger time.Duration
}

// DefaultScenario returns the NuGet search scenario.
func DefaultScenario() Scenario {
	return Scenario{
		URL:            env.DefaultScenarioURL,
		SearchSelector: DefaultSearchSelector,
		Query:          DefaultQuery,
		ButtonSelector: DefaultButtonSelector,
		ResultFilter:   DefaultResultFilter,
		Timeout:        env.DefaultScenarioTimeout,
		Linger:         DefaultLinger,
	}
}

// Validate reports the first malformed field of s.
func (s Scenario) Validate() error {
	switch {
	case s.URL == "":
		return errors.New("scenario URL is empty")
	case s.SearchSelector == "":
		return errors.New("scenario search selector is empty")
	case s.ButtonSelector == "":
		return errors.New("scenario button selector is empty")
	case s.Timeout <= 0:
		return fmt.Errorf("scenario timeout must be positive, got %s", s.Timeout)
	case s.Linger < 0:
		return fmt.Errorf("scenario linger cannot be negative, got %s", s.Linger)
	}
	return nil
}

// ScenarioTimeoutError is returned when the results page of a scenario did
// not load in time.
type ScenarioTimeoutError struct {
	ContextID string
	Timeout   time.Duration
}

func (e *ScenarioTimeoutError) Error() string {
	return fmt.Sprintf("context %s: results page did not load within %s", e.ContextID, e.Timeout)
}
