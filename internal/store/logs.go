package store

import (
	"context"
	"fmt"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"gorm.io/gorm"
)

func (s *Store) AppendLog(ctx context.Context, entry *types.RunLogEntry) error {
	if err := s.logs(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write run log for job %d: %w", entry.CrontabID, err)
	}
	return nil
}

// ListLogs pages through run logs, newest first.
func (s *Store) ListLogs(ctx context.Context, q types.PageQuery) (*types.PaginationResult[types.RunLogEntry], error) {
	q.Normalize()

	tx, err := applyFilters(s.logs(ctx), q.Where, logFilters)
	if err != nil {
		return nil, err
	}
	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count run logs: %w", err)
	}

	var items []types.RunLogEntry
	err = tx.Order("id desc").Limit(q.Limit).Offset(q.Offset()).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	return types.NewPaginationResult(items, total, q), nil
}
