// Package cron keeps the in-process table of armed jobs and funnels every
// mutation through disarm-then-maybe-arm.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/0xPuncker/fleetcron/pkg/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var ErrInvalidJob = errors.New("invalid job definition")

// rules accept the classic five fields, an optional leading seconds field and
// @descriptors such as @hourly or @every 10s.
var rules = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRule validates a schedule rule.
func ParseRule(rule string) (cron.Schedule, error) {
	schedule, err := rules.Parse(strings.TrimSpace(rule))
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidJob, rule, err)
	}
	return schedule, nil
}

// JobStore is the persistence the registry needs.
type JobStore interface {
	ListEnabledIDs(ctx context.Context) ([]int64, error)
	Get(ctx context.Context, id int64) (*types.JobDefinition, error)
	GetEnabled(ctx context.Context, id int64) (*types.JobDefinition, error)
	Create(ctx context.Context, def *types.JobDefinition) error
	Update(ctx context.Context, id int64, columns map[string]any) (int64, error)
	Enable(ctx context.Context, id int64) error
	Delete(ctx context.Context, ids []int64) (int64, error)
}

// Firer runs one tick of a job. disarm drops the handle that fired.
type Firer interface {
	Fire(ctx context.Context, def *types.JobDefinition, disarm func()) *types.RunLogEntry
}

// Handle describes one armed job.
type Handle struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Rule    string    `json:"rule"`
	Variant string    `json:"variant"`
	Target  string    `json:"target"`
	ArmedAt time.Time `json:"armed_at"`
	Next    time.Time `json:"next"`
}

type handle struct {
	entryID  cron.EntryID
	gen      uint64
	snapshot types.JobDefinition
	armedAt  time.Time
}

type Registry struct {
	cron    *cron.Cron
	store   JobStore
	firer   Firer
	cache   *gocache.Cache
	metrics *metrics.Registry
	logger  *logrus.Logger

	// ops serializes mutation paths; mu guards the handle table.
	ops     sync.Mutex
	mu      sync.RWMutex
	handles map[int64]*handle
	gen     uint64
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRegistry(jobs JobStore, firer Firer, reg *metrics.Registry, logger *logrus.Logger) *Registry {
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		cron: cron.New(
			cron.WithParser(rules),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		store:   jobs,
		firer:   firer,
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
		metrics: reg,
		logger:  logger,
		handles: make(map[int64]*handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load arms every Enabled definition, highest sort weight first. Handles from
// an earlier load are dropped. A definition that cannot be armed is logged
// and skipped.
func (r *Registry) Load(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	for id := range r.handles {
		r.disarmLocked(id)
	}
	r.mu.Unlock()

	ids, err := r.store.ListEnabledIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := r.arm(ctx, id); err != nil {
			r.logger.WithError(err).WithField("job_id", id).Warn("Skipping job that cannot be armed")
			errs = append(errs, err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"enabled": len(ids),
		"armed":   r.Len(),
	}).Info("Jobs loaded")
	return errors.Join(errs...)
}

// Arm schedules the Enabled definition id, replacing any existing handle.
func (r *Registry) Arm(ctx context.Context, id int64) error {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.arm(ctx, id)
}

func (r *Registry) arm(ctx context.Context, id int64) error {
	def, err := r.store.GetEnabled(ctx, id)
	if err != nil {
		return err
	}
	schedule, err := ParseRule(def.Rule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.disarmLocked(id)
	r.gen++
	gen := r.gen
	snapshot := *def

	entryID := r.cron.Schedule(schedule, cron.FuncJob(func() {
		tick := snapshot
		r.firer.Fire(r.ctx, &tick, func() { r.disarmGen(id, gen) })
	}))

	r.handles[id] = &handle{
		entryID:  entryID,
		gen:      gen,
		snapshot: snapshot,
		armedAt:  time.Now(),
	}
	r.metrics.SetArmed(len(r.handles))

	r.logger.WithFields(logrus.Fields{
		"job_id":    id,
		"title":     def.Title,
		"rule":      def.Rule,
		"variant":   def.Type.String(),
		"singleton": def.Singleton,
	}).Info("Job armed")
	return nil
}

// Disarm stops future fires of id. Executions already running finish
// normally. Calling it for an unarmed id is a no-op.
func (r *Registry) Disarm(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked(id)
}

// disarmGen only drops the handle armed as generation gen, so a singleton
// fire never removes a handle re-armed after it started.
func (r *Registry) disarmGen(id int64, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[id]; ok && h.gen == gen {
		r.disarmLocked(id)
	}
}

func (r *Registry) disarmLocked(id int64) {
	h, ok := r.handles[id]
	if !ok {
		return
	}
	r.cron.Remove(h.entryID)
	delete(r.handles, id)
	r.metrics.SetArmed(len(r.handles))

	r.logger.WithFields(logrus.Fields{
		"job_id": id,
		"title":  h.snapshot.Title,
	}).Info("Job disarmed")
}

// Create persists a new definition and arms it when Enabled.
func (r *Registry) Create(ctx context.Context, patch *types.JobPatch) (*types.JobDefinition, error) {
	def := &types.JobDefinition{Type: types.VariantCommand}
	patch.Apply(def)
	if err := validate(def); err != nil {
		return nil, err
	}

	r.ops.Lock()
	defer r.ops.Unlock()

	if err := r.store.Create(ctx, def); err != nil {
		return nil, err
	}
	if def.Enabled() {
		if err := r.arm(ctx, def.ID); err != nil {
			return def, fmt.Errorf("job %d created but not armed: %w", def.ID, err)
		}
	}
	return def, nil
}

// Update disarms the current handle, then writes patch. The job is armed
// again only when its stored status is Enabled. It reports false when
// no row matched id, and true whenever the row was written, even if
// arming it again failed.
func (r *Registry) Update(ctx context.Context, id int64, patch *types.JobPatch) (bool, error) {
	if err := validatePatch(patch); err != nil {
		return false, err
	}

	r.ops.Lock()
	defer r.ops.Unlock()

	r.Disarm(id)
	r.invalidate(id)

	rows, err := r.store.Update(ctx, id, patch.Columns())
	if err != nil {
		// the row is unchanged, so put the previous handle back
		if armErr := r.arm(ctx, id); armErr != nil && !errors.Is(armErr, store.ErrNotFound) {
			r.logger.WithError(armErr).WithField("job_id", id).Warn("Failed to restore handle after update error")
		}
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	// the row changed from here on, so later failures still report true
	def, err := r.store.Get(ctx, id)
	if err != nil {
		return true, fmt.Errorf("job %d updated but not reloaded: %w", id, err)
	}
	if def.Enabled() {
		if err := r.arm(ctx, id); err != nil {
			return true, fmt.Errorf("job %d updated but not armed: %w", id, err)
		}
	}
	return true, nil
}

// Delete disarms every id before removing the rows and returns how many
// rows were removed.
func (r *Registry) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	r.ops.Lock()
	defer r.ops.Unlock()

	for _, id := range ids {
		r.Disarm(id)
		r.invalidate(id)
	}

	rows, err := r.store.Delete(ctx, ids)
	if err != nil {
		return 0, err
	}
	r.logger.WithFields(logrus.Fields{
		"ids":  ids,
		"rows": rows,
	}).Info("Jobs deleted")
	return rows, nil
}

// Reload force-restarts ids: disarm, mark Enabled, arm again.
func (r *Registry) Reload(ctx context.Context, ids []int64) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	var errs []error
	for _, id := range ids {
		r.Disarm(id)
		r.invalidate(id)
		if err := r.store.Enable(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.arm(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Definition returns the stored definition of id through a short-lived cache.
func (r *Registry) Definition(ctx context.Context, id int64) (*types.JobDefinition, error) {
	key := strconv.FormatInt(id, 10)
	if cached, ok := r.cache.Get(key); ok {
		def := cached.(types.JobDefinition)
		return &def, nil
	}

	def, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, *def)
	return def, nil
}

func (r *Registry) invalidate(id int64) {
	r.cache.Delete(strconv.FormatInt(id, 10))
}

func (r *Registry) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the armed job ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Handle{
			ID:      id,
			Title:   h.snapshot.Title,
			Rule:    h.snapshot.Rule,
			Variant: h.snapshot.Type.String(),
			Target:  h.snapshot.Target,
			ArmedAt: h.armedAt,
			Next:    r.cron.Entry(h.entryID).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("scheduler already started")
	}

	r.cron.Start()
	r.started = true
	r.logger.WithField("armed", len(r.handles)).Info("Scheduler started...")
	return nil
}

// Stop halts the timers and waits for running executions to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	ctx := r.cron.Stop()
	r.mu.Unlock()

	// running ticks may need mu for a singleton disarm
	<-ctx.Done()
	r.logger.Info("Scheduler stopped")
}

func (r *Registry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Close stops the scheduler and cancels the context handed to executions.
func (r *Registry) Close() {
	r.Stop()
	r.cancel()
}

func validate(def *types.JobDefinition) error {
	var errs []error
	if strings.TrimSpace(def.Title) == "" {
		errs = append(errs, fmt.Errorf("%w: title is required", ErrInvalidJob))
	}
	if strings.TrimSpace(def.Target) == "" {
		errs = append(errs, fmt.Errorf("%w: target is required", ErrInvalidJob))
	}
	if !def.Type.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown type %d", ErrInvalidJob, int(def.Type)))
	}
	if def.Status != types.StatusEnabled && def.Status != types.StatusDisabled {
		errs = append(errs, fmt.Errorf("%w: unknown status %d", ErrInvalidJob, int(def.Status)))
	}
	if _, err := ParseRule(def.Rule); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validatePatch(patch *types.JobPatch) error {
	var errs []error
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		errs = append(errs, fmt.Errorf("%w: title is required", ErrInvalidJob))
	}
	if patch.Target != nil && strings.TrimSpace(*patch.Target) == "" {
		errs = append(errs, fmt.Errorf("%w: target is required", ErrInvalidJob))
	}
	if patch.Type != nil && !patch.Type.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown type %d", ErrInvalidJob, int(*patch.Type)))
	}
	if patch.Status != nil && *patch.Status != types.StatusEnabled && *patch.Status != types.StatusDisabled {
		errs = append(errs, fmt.Errorf("%w: unknown status %d", ErrInvalidJob, int(*patch.Status)))
	}
	if patch.Rule != nil {
		if _, err := ParseRule(*patch.Rule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
