package store

import (
	"context"
	"fmt"
	"time"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"gorm.io/gorm"
)

// ListEnabledIDs returns enabled job ids, highest sort weight first.
func (s *Store) ListEnabledIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.jobs(ctx).
		Where("status = ?", types.StatusEnabled).
		Order("sort desc").
		Order("id asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled jobs: %w", err)
	}
	return ids, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*types.JobDefinition, error) {
	var def types.JobDefinition
	if err := s.jobs(ctx).Where("id = ?", id).Take(&def).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &def, nil
}

// GetEnabled loads id only if it is enabled.
func (s *Store) GetEnabled(ctx context.Context, id int64) (*types.JobDefinition, error) {
	var def types.JobDefinition
	err := s.jobs(ctx).
		Where("id = ? AND status = ?", id, types.StatusEnabled).
		Take(&def).Error
	if err != nil {
		return nil, notFound(err, id)
	}
	return &def, nil
}

// FindByTitleRule returns the first job sharing title and rule, or ErrNotFound.
func (s *Store) FindByTitleRule(ctx context.Context, title, rule string) (*types.JobDefinition, error) {
	var def types.JobDefinition
	err := s.jobs(ctx).
		Where("title = ? AND rule = ?", title, rule).
		Order("id asc").
		Take(&def).Error
	if err != nil {
		return nil, notFound(err, 0)
	}
	return &def, nil
}

// Create inserts def and sets its id.
func (s *Store) Create(ctx context.Context, def *types.JobDefinition) error {
	if err := s.jobs(ctx).Create(def).Error; err != nil {
		return fmt.Errorf("failed to create job %q: %w", def.Title, err)
	}
	return nil
}

// Update writes the given columns and returns the number of matched rows.
func (s *Store) Update(ctx context.Context, id int64, columns map[string]any) (int64, error) {
	if len(columns) == 0 {
		var count int64
		if err := s.jobs(ctx).Where("id = ?", id).Count(&count).Error; err != nil {
			return 0, fmt.Errorf("failed to update job %d: %w", id, err)
		}
		return count, nil
	}

	cols := make(map[string]any, len(columns)+1)
	for k, v := range columns {
		cols[k] = v
	}
	cols["update_time"] = time.Now().Unix()

	res := s.jobs(ctx).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update job %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Enable(ctx context.Context, id int64) error {
	_, err := s.Update(ctx, id, map[string]any{"status": types.StatusEnabled})
	return err
}

func (s *Store) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.jobs(ctx).Where("id IN ?", ids).Delete(&types.JobDefinition{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete jobs %v: %w", ids, res.Error)
	}
	return res.RowsAffected, nil
}

// IncrementRun bumps the run counter in a single statement.
func (s *Store) IncrementRun(ctx context.Context, id int64, at time.Time) error {
	err := s.jobs(ctx).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"running_times":     gorm.Expr("running_times + ?", 1),
			"last_running_time": at.Unix(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update run counter for job %d: %w", id, err)
	}
	return nil
}

// List pages through definitions, newest first.
func (s *Store) List(ctx context.Context, q types.PageQuery) (*types.PaginationResult[types.JobDefinition], error) {
	q.Normalize()

	tx, err := applyFilters(s.jobs(ctx), q.Where, jobFilters)
	if err != nil {
		return nil, err
	}
	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	var items []types.JobDefinition
	err = tx.Order("id desc").Limit(q.Limit).Offset(q.Offset()).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return types.NewPaginationResult(items, total, q), nil
}
