package delivery

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RegisterBuiltins adds the System class every worker pool answers to.
func RegisterBuiltins(r *Registry) {
	r.RegisterClass("System", map[string]MethodFunc{
		"ping": func(ctx context.Context, params map[string]any) (any, error) {
			host, _ := os.Hostname()
			return "pong from " + host, nil
		},
		"echo": func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		},
		"sleep": func(ctx context.Context, params map[string]any) (any, error) {
			d, err := sleepDuration(params["seconds"])
			if err != nil {
				return nil, err
			}
			select {
			case <-time.After(d):
				return fmt.Sprintf("slept %s", d), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
}

func sleepDuration(v any) (time.Duration, error) {
	var seconds float64
	switch n := v.(type) {
	case nil:
		seconds = 1
	case float64:
		seconds = n
	case float32:
		seconds = float64(n)
	case int:
		seconds = float64(n)
	case int8:
		seconds = float64(n)
	case int16:
		seconds = float64(n)
	case int32:
		seconds = float64(n)
	case int64:
		seconds = float64(n)
	case uint8:
		seconds = float64(n)
	case uint16:
		seconds = float64(n)
	case uint32:
		seconds = float64(n)
	case uint64:
		seconds = float64(n)
	default:
		return 0, fmt.Errorf("seconds must be a number, got %T", v)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("seconds must not be negative")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
