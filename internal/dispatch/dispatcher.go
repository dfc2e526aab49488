// Package dispatch runs a fired job behind the task and server leases and
// records the outcome.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/0xPuncker/fleetcron/internal/mutex"
	"github.com/0xPuncker/fleetcron/internal/runlog"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/0xPuncker/fleetcron/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Counter persists the run counter of a job.
type Counter interface {
	IncrementRun(ctx context.Context, id int64, at time.Time) error
}

// Alerter is told about failed runs.
type Alerter interface {
	NotifyFailure(ctx context.Context, def *types.JobDefinition, entry *types.RunLogEntry) error
}

type Config struct {
	RunInBackground bool
	AllowEval       bool
	HTTPTimeout     time.Duration
	CommandTimeout  time.Duration
	MaxOutput       int
	Submitter       Submitter
	Metrics         *metrics.Registry
	Alerter         Alerter
}

type Dispatcher struct {
	task      *mutex.TaskMutex
	server    *mutex.ServerMutex
	counter   Counter
	sink      runlog.Sink
	runners   map[types.Variant]Runner
	maxOutput int
	metrics   *metrics.Registry
	alerter   Alerter
	logger    *logrus.Logger
	now       func() time.Time
}

func New(task *mutex.TaskMutex, server *mutex.ServerMutex, counter Counter, sink runlog.Sink, cfg Config, logger *logrus.Logger) *Dispatcher {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 * 1024
	}

	return &Dispatcher{
		task:    task,
		server:  server,
		counter: counter,
		sink:    sink,
		runners: map[types.Variant]Runner{
			types.VariantCommand: CommandRunner{
				Background: cfg.RunInBackground,
				Timeout:    cfg.CommandTimeout,
			},
			types.VariantClassMethod: ClassMethodRunner{Client: cfg.Submitter},
			types.VariantURL: URLRunner{
				Client:    &http.Client{Timeout: cfg.HTTPTimeout},
				MaxOutput: cfg.MaxOutput,
			},
			types.VariantShell: ShellRunner{Timeout: cfg.CommandTimeout},
			types.VariantEval:  EvalRunner{Allow: cfg.AllowEval},
		},
		maxOutput: cfg.MaxOutput,
		metrics:   cfg.Metrics,
		alerter:   cfg.Alerter,
		logger:    logger,
		now:       time.Now,
	}
}

// SetRunner replaces the body for one variant.
func (d *Dispatcher) SetRunner(v types.Variant, r Runner) {
	d.runners[v] = r
}

// Fire handles one tick of def. It returns the recorded entry, or nil when
// the tick was skipped. disarm is called for singleton jobs once they ran.
func (d *Dispatcher) Fire(ctx context.Context, def *types.JobDefinition, disarm func()) *types.RunLogEntry {
	fields := logrus.Fields{
		"job_id":  def.ID,
		"title":   def.Title,
		"variant": def.Type.String(),
	}
	log := d.logger.WithFields(fields)
	d.metrics.Fire(def.Type.String())

	held, err := d.task.Exists(ctx, def)
	if err != nil {
		d.metrics.Skip(metrics.SkipLeaseError)
		log.WithError(err).Error("Lease store unavailable, skipping tick")
		return nil
	}
	if held {
		d.metrics.Skip(metrics.SkipTaskRunning)
		log.Debug("Previous tick still running, skipping")
		return nil
	}

	acquired, err := d.task.Acquire(ctx, def)
	if err != nil {
		d.metrics.Skip(metrics.SkipLeaseError)
		log.WithError(err).Error("Lease store unavailable, skipping tick")
		return nil
	}
	if !acquired {
		d.metrics.Skip(metrics.SkipTaskLocked)
		log.Debug("Task lease taken by a concurrent tick, skipping")
		return nil
	}

	owner, err := d.server.Attempt(ctx, def)
	if err != nil || !owner {
		d.release(def, log)
		if err != nil {
			d.metrics.Skip(metrics.SkipLeaseError)
			log.WithError(err).Error("Server lease check failed, skipping tick")
		} else {
			d.metrics.Skip(metrics.SkipNotOwner)
			log.Debug("Job owned by another node, skipping")
		}
		return nil
	}

	firedAt := d.now()
	log.WithFields(logrus.Fields{
		"rule":   def.Rule,
		"target": def.Target,
	}).Debug("Executing job")

	start := time.Now()
	result := d.run(ctx, def, log)
	elapsed := time.Since(start)

	if def.Singleton && disarm != nil {
		disarm()
	}

	if err := d.counter.IncrementRun(ctx, def.ID, firedAt); err != nil {
		log.WithError(err).Error("Failed to update run counter")
	}

	entry := &types.RunLogEntry{
		CrontabID:   def.ID,
		Target:      def.Target,
		Parameter:   def.Parameter,
		Exception:   utils.Truncate(exceptionText(result), d.maxOutput),
		ReturnCode:  returnCode(result),
		RunningTime: utils.Seconds(elapsed),
	}
	if err := d.sink.Write(ctx, entry); err != nil {
		log.WithError(err).Error("Failed to write run log")
	}

	d.metrics.ObserveRun(def.Type.String(), entry.ReturnCode, elapsed)

	done := log.WithFields(logrus.Fields{
		"return_code": entry.ReturnCode,
		"duration":    utils.FormatDuration(elapsed),
	})
	if entry.ReturnCode == 0 {
		done.Info("Job execution completed successfully")
	} else {
		done.WithField("error", result.Err.Error()).Warn("Job execution failed")
		d.alert(def, entry, log)
	}
	return entry
}

// run executes the variant body. The task lease is released on every exit,
// including a panicking runner.
func (d *Dispatcher) run(ctx context.Context, def *types.JobDefinition, log *logrus.Entry) (result Result) {
	defer d.release(def, log)
	defer func() {
		if p := recover(); p != nil {
			result = Result{Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	runner, ok := d.runners[def.Type]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %d", ErrUnknownVariant, int(def.Type))}
	}
	return runner.Run(ctx, def)
}

func (d *Dispatcher) release(def *types.JobDefinition, log *logrus.Entry) {
	// detached so a cancelled fire still clears its lease
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.task.Release(ctx, def); err != nil {
		log.WithError(err).Error("Failed to release task lease")
	}
}

func (d *Dispatcher) alert(def *types.JobDefinition, entry *types.RunLogEntry, log *logrus.Entry) {
	if d.alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.alerter.NotifyFailure(ctx, def, entry); err != nil {
			log.WithError(err).Warn("Failed to send failure alert")
		}
	}()
}

func returnCode(r Result) int {
	if r.Err != nil {
		return 1
	}
	return 0
}

func exceptionText(r Result) string {
	switch {
	case r.Err == nil:
		return r.Output
	case r.Output == "":
		return r.Err.Error()
	default:
		return r.Output + "\n" + r.Err.Error()
	}
}
