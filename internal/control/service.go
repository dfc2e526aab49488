// Package control answers job-control requests ({method, args}) on behalf of
// the registry and the job store.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/0xPuncker/fleetcron/internal/cron"
	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
)

const msgOK = "ok"

// Registry is the mutation side of the job registry.
type Registry interface {
	Create(ctx context.Context, patch *types.JobPatch) (*types.JobDefinition, error)
	Update(ctx context.Context, id int64, patch *types.JobPatch) (bool, error)
	Delete(ctx context.Context, ids []int64) (int64, error)
	Reload(ctx context.Context, ids []int64) error
}

// Lister reads definitions and run logs page by page.
type Lister interface {
	List(ctx context.Context, q types.PageQuery) (*types.PaginationResult[types.JobDefinition], error)
	ListLogs(ctx context.Context, q types.PageQuery) (*types.PaginationResult[types.RunLogEntry], error)
}

type Service struct {
	registry Registry
	lister   Lister
	logger   *logrus.Logger
}

func NewService(registry Registry, lister Lister, logger *logrus.Logger) *Service {
	return &Service{
		registry: registry,
		lister:   lister,
		logger:   logger,
	}
}

// UpdateArgs is a partial definition plus the id it applies to.
type UpdateArgs struct {
	ID json.RawMessage `json:"id"`
	types.JobPatch
}

// Handle runs one request. Mutations always answer code 200 with the real
// outcome in data.code.
func (s *Service) Handle(ctx context.Context, req types.ControlRequest) types.ControlResponse {
	log := s.logger.WithField("method", req.Method)
	log.Debug("Control request received")

	switch req.Method {
	case types.MethodList:
		var q types.PageQuery
		if err := decodeArgs(req.Args, &q); err != nil {
			return badRequest(err)
		}
		page, err := s.lister.List(ctx, q)
		if err != nil {
			return s.queryFailed(log, err)
		}
		return ok(page)

	case types.MethodListLogs:
		var q types.PageQuery
		if err := decodeArgs(req.Args, &q); err != nil {
			return badRequest(err)
		}
		page, err := s.lister.ListLogs(ctx, q)
		if err != nil {
			return s.queryFailed(log, err)
		}
		return ok(page)

	case types.MethodCreate:
		var patch types.JobPatch
		if err := decodeArgs(req.Args, &patch); err != nil {
			return badRequest(err)
		}
		def, err := s.registry.Create(ctx, &patch)
		result := types.MutationResult{Code: def != nil}
		if def != nil {
			result.ID = def.ID
		}
		return s.mutation(log, result, err)

	case types.MethodUpdate:
		var args UpdateArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return badRequest(err)
		}
		ids, err := types.IDArgs{ID: args.ID}.IDs()
		if err != nil {
			return badRequest(err)
		}
		if len(ids) != 1 {
			return badRequest(errors.New("update needs exactly one id"))
		}
		updated, err := s.registry.Update(ctx, ids[0], &args.JobPatch)
		return s.mutation(log, types.MutationResult{Code: updated, ID: ids[0]}, err)

	case types.MethodDelete, types.MethodReload:
		var args types.IDArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return badRequest(err)
		}
		ids, err := args.IDs()
		if err != nil {
			return badRequest(err)
		}
		if len(ids) == 0 {
			return ok(types.MutationResult{Code: true})
		}
		if req.Method == types.MethodDelete {
			rows, err := s.registry.Delete(ctx, ids)
			return s.mutation(log, types.MutationResult{Code: err == nil && rows > 0}, err)
		}
		err = s.registry.Reload(ctx, ids)
		return s.mutation(log, types.MutationResult{Code: err == nil}, err)

	default:
		log.Warn("Unknown control method")
		return types.ControlResponse{
			Code: types.CodeUnknownMethod,
			Msg:  fmt.Sprintf("unknown method %q", req.Method),
		}
	}
}

// HandleRaw decodes one encoded request and answers it.
func (s *Service) HandleRaw(ctx context.Context, raw []byte) types.ControlResponse {
	var req types.ControlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return badRequest(fmt.Errorf("invalid request: %w", err))
	}
	return s.Handle(ctx, req)
}

func (s *Service) mutation(log *logrus.Entry, result types.MutationResult, err error) types.ControlResponse {
	resp := ok(result)
	if err != nil {
		resp.Msg = err.Error()
		if errors.Is(err, cron.ErrInvalidJob) {
			log.WithError(err).Info("Rejected job definition")
		} else {
			log.WithError(err).Error("Control mutation failed")
		}
	}
	return resp
}

func (s *Service) queryFailed(log *logrus.Entry, err error) types.ControlResponse {
	if errors.Is(err, store.ErrInvalidFilter) {
		return badRequest(err)
	}
	log.WithError(err).Error("Control query failed")
	return types.ControlResponse{Code: types.CodeInternalError, Msg: err.Error()}
}

func decodeArgs(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

func ok(data any) types.ControlResponse {
	return types.ControlResponse{Code: types.CodeOK, Msg: msgOK, Data: data}
}

func badRequest(err error) types.ControlResponse {
	return types.ControlResponse{Code: types.CodeBadRequest, Msg: err.Error()}
}
