package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/0xPuncker/fleetcron/internal/control"
	"github.com/0xPuncker/fleetcron/internal/cron"
	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

// Scheduler is the read side of the job registry.
type Scheduler interface {
	Handles() []cron.Handle
	IsRunning() bool
	Definition(ctx context.Context, id int64) (*types.JobDefinition, error)
}

type Handler struct {
	control   *control.Service
	scheduler Scheduler
	logger    *logrus.Logger
}

func NewHandler(svc *control.Service, scheduler Scheduler, logger *logrus.Logger) *Handler {
	return &Handler{
		control:   svc,
		scheduler: scheduler,
		logger:    logger,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"scheduler": h.scheduler.IsRunning(),
		"armed":     len(h.scheduler.Handles()),
	})
}

// Control accepts a raw {method, args} envelope.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	h.respond(w, h.control.HandleRaw(r.Context(), body))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q, err := pageQuery(r, "id", "title", "type", "status", "singleton")
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, types.MethodList, q)
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, types.MethodCreate, json.RawMessage(body))
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.handleError(w, fmt.Errorf("invalid job id: %w", err), http.StatusBadRequest)
		return
	}

	def, err := h.scheduler.Definition(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.handleError(w, err, http.StatusNotFound)
	case err != nil:
		h.handleError(w, err, http.StatusInternalServerError)
	default:
		h.respond(w, types.ControlResponse{Code: types.CodeOK, Msg: "ok", Data: def})
	}
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.handleError(w, fmt.Errorf("invalid job id: %w", err), http.StatusBadRequest)
		return
	}

	body, err := readBody(r)
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	args := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			h.handleError(w, fmt.Errorf("invalid job body: %w", err), http.StatusBadRequest)
			return
		}
	}
	args["id"] = id
	h.dispatch(w, r, types.MethodUpdate, args)
}

// DeleteJobs takes the ids as ?id=1,2,3.
func (h *Handler) DeleteJobs(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, types.MethodDelete, map[string]string{"id": r.URL.Query().Get("id")})
}

func (h *Handler) ReloadJobs(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query().Get("id")
	if ids != "" {
		h.dispatch(w, r, types.MethodReload, map[string]string{"id": ids})
		return
	}

	body, err := readBody(r)
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, types.MethodReload, json.RawMessage(body))
}

func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.handleError(w, fmt.Errorf("invalid job id: %w", err), http.StatusBadRequest)
		return
	}
	q, err := pageQuery(r, "return_code")
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	q.Where["crontab_id"] = id
	h.dispatch(w, r, types.MethodListLogs, q)
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q, err := pageQuery(r, "crontab_id", "sid", "return_code")
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, types.MethodListLogs, q)
}

// Handles lists the timers armed in this process.
func (h *Handler) Handles(w http.ResponseWriter, r *http.Request) {
	handles := h.scheduler.Handles()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"handles": handles,
		"armed":   len(handles),
		"running": h.scheduler.IsRunning(),
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, method string, args any) {
	raw, err := json.Marshal(args)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.respond(w, h.control.Handle(r.Context(), types.ControlRequest{Method: method, Args: raw}))
}

// respond mirrors the envelope code as the HTTP status.
func (h *Handler) respond(w http.ResponseWriter, resp types.ControlResponse) {
	status := resp.Code
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	h.logger.Error(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
	})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// pageQuery reads limit, page and the allowed equality filters from the
// query string.
func pageQuery(r *http.Request, filters ...string) (types.PageQuery, error) {
	values := r.URL.Query()
	q := types.PageQuery{Where: map[string]any{}}

	var err error
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := values.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("invalid page %q", v)
		}
	}

	for _, key := range filters {
		v := strings.TrimSpace(values.Get(key))
		if v == "" {
			continue
		}
		if key == "title" {
			q.Where[key] = v
		} else if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.Where[key] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			q.Where[key] = b
		} else {
			q.Where[key] = v
		}
	}
	return q, nil
}
