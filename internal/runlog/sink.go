// Package runlog records one entry per completed execution.
package runlog

import (
	"context"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
)

type Sink interface {
	Write(ctx context.Context, entry *types.RunLogEntry) error
}

// Appender is the storage side of a sink.
type Appender interface {
	AppendLog(ctx context.Context, entry *types.RunLogEntry) error
}

// StoreSink appends entries to the run log table. With writing disabled the
// entries are only echoed at debug level.
type StoreSink struct {
	appender Appender
	enabled  bool
	logger   *logrus.Logger
}

func NewStoreSink(appender Appender, enabled bool, logger *logrus.Logger) *StoreSink {
	return &StoreSink{
		appender: appender,
		enabled:  enabled,
		logger:   logger,
	}
}

func (s *StoreSink) Write(ctx context.Context, entry *types.RunLogEntry) error {
	if !s.enabled {
		s.logger.WithFields(logrus.Fields{
			"job_id":      entry.CrontabID,
			"return_code": entry.ReturnCode,
		}).Debug("Run log writing disabled, entry dropped")
		return nil
	}
	return s.appender.AppendLog(ctx, entry)
}
