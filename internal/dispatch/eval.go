package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/expr-lang/expr"
)

// EvalRunner evaluates target as an expression. Targets run with the
// scheduler's privileges, so the runner refuses to work unless Allow is set.
type EvalRunner struct {
	Allow bool
}

func (r EvalRunner) Run(ctx context.Context, def *types.JobDefinition) Result {
	if !r.Allow {
		return Result{Err: ErrEvalDisabled}
	}

	params, err := decodeMap(def.Parameter)
	if err != nil {
		return Result{Err: err}
	}

	env := map[string]any{
		"params": params,
		"job": map[string]any{
			"id":    def.ID,
			"title": def.Title,
			"runs":  def.RunningTimes,
		},
		"now": time.Now(),
	}

	program, err := expr.Compile(def.Target, expr.Env(env))
	if err != nil {
		return Result{Err: fmt.Errorf("compile: %w", err)}
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Output: render(out)}
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
