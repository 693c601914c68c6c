package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	// EvaluateString evaluates expression in the page and returns its value,
	// which must be a string.
	EvaluateString(ctx context.Context, expression string) (string, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) EvaluateString(ctx context.Context, expression string) (string, error) {
	action := cdpr.Evaluate(expression).WithReturnByValue(true)
	res, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return "", fmt.Errorf("evaluating %q: %w", expression, err)
	}
	if exc != nil {
		return "", fmt.Errorf("evaluating %q: %s", expression, exc.Text)
	}
	if res == nil || len(res.Value) == 0 {
		return "", nil
	}

	var s string
	if err := easyjson.Unmarshal(res.Value, (*jsonString)(&s)); err != nil {
		return "", fmt.Errorf("decoding %q result: %w", expression, err)
	}
	return s, nil
}
