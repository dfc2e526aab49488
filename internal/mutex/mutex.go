// Package mutex implements the two lease-backed locks guarding every fire:
// TaskMutex keeps ticks of one job from overlapping and ServerMutex elects
// the single node that executes a job.
package mutex

import (
	"context"
	"fmt"
	"time"

	"github.com/0xPuncker/fleetcron/internal/lease"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultTTL = time.Hour

const (
	taskNamespace   = "crontab/"
	serverNamespace = "crontab-sv/"
)

func taskKey(job *types.JobDefinition) string {
	return taskNamespace + job.LockKey()
}

func serverKey(job *types.JobDefinition) string {
	return serverNamespace + job.LockKey()
}

// TaskMutex is a short-lived lease held for the duration of one execution.
type TaskMutex struct {
	store lease.Store
	ttl   time.Duration
}

func NewTaskMutex(store lease.Store, ttl time.Duration) *TaskMutex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TaskMutex{store: store, ttl: ttl}
}

// Acquire reports whether no other execution of job is recorded.
func (m *TaskMutex) Acquire(ctx context.Context, job *types.JobDefinition) (bool, error) {
	ok, err := m.store.SetNX(ctx, taskKey(job), job.Title, m.ttl)
	if err != nil {
		return false, fmt.Errorf("task mutex acquire: %w", err)
	}
	return ok, nil
}

func (m *TaskMutex) Exists(ctx context.Context, job *types.JobDefinition) (bool, error) {
	ok, err := m.store.Exists(ctx, taskKey(job))
	if err != nil {
		return false, fmt.Errorf("task mutex exists: %w", err)
	}
	return ok, nil
}

// Release drops the lease whoever holds it.
func (m *TaskMutex) Release(ctx context.Context, job *types.JobDefinition) error {
	if err := m.store.Del(ctx, taskKey(job)); err != nil {
		return fmt.Errorf("task mutex release: %w", err)
	}
	return nil
}

// ServerMutex elects one owning node per (title, rule). The lease is not
// renewed by successful attempts; ownership lapses after the TTL and any node
// may then claim it.
type ServerMutex struct {
	store    lease.Store
	ttl      time.Duration
	identity string
	logger   *logrus.Logger
}

// NewServerMutex builds a ServerMutex for identity. An empty identity puts it
// in degraded mode where every attempt succeeds.
func NewServerMutex(store lease.Store, identity string, ttl time.Duration, logger *logrus.Logger) *ServerMutex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if identity == "" {
		logger.Warn("Node identity unavailable, server mutex will not arbitrate ownership across nodes")
	}
	return &ServerMutex{
		store:    store,
		ttl:      ttl,
		identity: identity,
		logger:   logger,
	}
}

func (m *ServerMutex) Identity() string {
	return m.identity
}

func (m *ServerMutex) Degraded() bool {
	return m.identity == ""
}

// Attempt reports whether this node owns job, claiming it if unowned.
func (m *ServerMutex) Attempt(ctx context.Context, job *types.JobDefinition) (bool, error) {
	if m.Degraded() {
		return true, nil
	}

	key := serverKey(job)
	ok, err := m.store.SetNX(ctx, key, m.identity, m.ttl)
	if err != nil {
		return false, fmt.Errorf("server mutex attempt: %w", err)
	}
	if ok {
		return true, nil
	}

	owner, found, err := m.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("server mutex owner lookup: %w", err)
	}
	if !found {
		// expired between the two calls
		m.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"title":  job.Title,
		}).Debug("Server lease vanished during attempt")
		return false, nil
	}
	return owner == m.identity, nil
}
