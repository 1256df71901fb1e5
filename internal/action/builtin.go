package action

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TypeUtility is the action type of the built-in actions.
const TypeUtility = "utility"

// RegisterBuiltins installs the utility actions every engine carries:
//
//	echo  returns params["value"]
//	set   returns params["values"], flattening it into the run context
//	wait  sleeps for params["duration"] or until cancelled
//	fail  returns an error with params["message"]
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{Name: "echo", Type: TypeUtility, Description: "Return the value param as the step result", Fn: echo},
		{Name: "set", Type: TypeUtility, Description: "Write the values object into the run context", Fn: set},
		{Name: "wait", Type: TypeUtility, Description: "Sleep for a duration, honoring cancellation", Fn: wait},
		{Name: "fail", Type: TypeUtility, Description: "Fail with the given message", Fn: fail},
	}
	for _, def := range builtins {
		if err := r.RegisterDefinition(def); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, params map[string]any, _ string) (any, error) {
	return params["value"], nil
}

func set(_ context.Context, params map[string]any, _ string) (any, error) {
	values, ok := params["values"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("set: values must be an object")
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func wait(ctx context.Context, params map[string]any, _ string) (any, error) {
	d, err := durationParam(params["duration"])
	if err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func fail(_ context.Context, params map[string]any, _ string) (any, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "step failed"
	}
	return nil, errors.New(msg)
}

// durationParam accepts a Go duration string or a number of milliseconds.
func durationParam(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("duration is required")
	case string:
		return time.ParseDuration(t)
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("unsupported duration %v", v)
	}
}
