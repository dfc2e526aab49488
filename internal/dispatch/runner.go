package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/0xPuncker/fleetcron/internal/delivery"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/kballard/go-shellquote"
)

// BackgroundSuffix detaches a command from the scheduler.
const BackgroundSuffix = " > /dev/null 2>&1 &"

var (
	ErrEvalDisabled     = errors.New("eval jobs are disabled on this scheduler")
	ErrUnknownVariant   = errors.New("unknown job variant")
	ErrNoWorkerPool     = errors.New("no delivery worker pool configured")
	ErrUnexpectedStatus = errors.New("unexpected http status")
)

// Result is the outcome of one variant body. Err nil means success.
type Result struct {
	Output string
	Err    error
}

// Runner executes one variant.
type Runner interface {
	Run(ctx context.Context, def *types.JobDefinition) Result
}

type RunnerFunc func(ctx context.Context, def *types.JobDefinition) Result

func (f RunnerFunc) Run(ctx context.Context, def *types.JobDefinition) Result {
	return f(ctx, def)
}

func runShell(ctx context.Context, line string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	return Result{Output: strings.TrimRight(string(out), "\n"), Err: err}
}

// CommandRunner runs target with the decoded parameters appended as quoted
// flag/value arguments.
type CommandRunner struct {
	Background bool
	Timeout    time.Duration
}

// CommandLine builds the escaped command line for def.
func (r CommandRunner) CommandLine(def *types.JobDefinition) (string, error) {
	words, err := shellquote.Split(def.Target)
	if err != nil {
		return "", fmt.Errorf("invalid command target: %w", err)
	}
	if len(words) == 0 {
		return "", errors.New("empty command target")
	}

	pairs, err := decodePairs(def.Parameter)
	if err != nil {
		return "", err
	}
	for _, p := range pairs {
		words = append(words, p.key)
		if p.value != nil {
			words = append(words, *p.value)
		}
	}

	line := shellquote.Join(words...)
	if r.Background {
		line += BackgroundSuffix
	}
	return line, nil
}

func (r CommandRunner) Run(ctx context.Context, def *types.JobDefinition) Result {
	line, err := r.CommandLine(def)
	if err != nil {
		return Result{Err: err}
	}
	return runShell(ctx, line, r.Timeout)
}

type ShellRunner struct {
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, def *types.JobDefinition) Result {
	if strings.TrimSpace(def.Target) == "" {
		return Result{Err: errors.New("empty shell target")}
	}
	return runShell(ctx, def.Target, r.Timeout)
}

// URLRunner probes target with a GET; only 200 counts as success.
type URLRunner struct {
	Client    *http.Client
	MaxOutput int
}

func (r URLRunner) Run(ctx context.Context, def *types.JobDefinition) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.Target, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("invalid url: %w", err)}
	}
	req.Header.Set("User-Agent", "fleetcron")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()

	limit := int64(r.MaxOutput)
	if limit <= 0 {
		limit = 64 * 1024
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	if readErr != nil {
		readErr = fmt.Errorf("read response body: %w", readErr)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		return Result{Output: string(body), Err: errors.Join(statusErr, readErr)}
	}
	return Result{Output: string(body), Err: readErr}
}

// Submitter hands a request to the worker pool without waiting for the reply.
type Submitter interface {
	Submit(ctx context.Context, req delivery.Request) error
}

// ClassMethodRunner forwards "<class>@<method>" targets to the worker pool.
type ClassMethodRunner struct {
	Client Submitter
}

func (r ClassMethodRunner) Run(ctx context.Context, def *types.JobDefinition) Result {
	if r.Client == nil {
		return Result{Err: ErrNoWorkerPool}
	}

	class, method := delivery.ParseTarget(def.Target)
	if class == "" {
		return Result{Err: errors.New("empty class target")}
	}
	params, err := decodeMap(def.Parameter)
	if err != nil {
		return Result{Err: err}
	}

	req := delivery.Request{Class: class, Method: method, Parameter: params}
	if err := r.Client.Submit(ctx, req); err != nil {
		return Result{Err: err}
	}
	return Result{Output: fmt.Sprintf("submitted %s@%s to worker pool", class, method)}
}
