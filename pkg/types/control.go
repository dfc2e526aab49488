package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	CodeOK            = 200
	CodeBadRequest    = 400
	CodeUnknownMethod = 404
	CodeInternalError = 500
)

const (
	MethodList     = "list"
	MethodCreate   = "create"
	MethodUpdate   = "update"
	MethodDelete   = "delete"
	MethodReload   = "reload"
	MethodListLogs = "listLogs"
)

// ControlRequest is one job-control call
type ControlRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// ControlResponse carries code 200 unless the request itself was unusable.
// Mutation outcomes live in Data as a MutationResult.
type ControlResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

type MutationResult struct {
	Code bool  `json:"code"`
	ID   int64 `json:"id,omitempty"`
}

// IDArgs holds `"1,2,3"`, a bare number or a JSON array of numbers.
type IDArgs struct {
	ID json.RawMessage `json:"id"`
}

// IDs decodes the id field. An absent or empty id yields an empty slice.
func (a IDArgs) IDs() ([]int64, error) {
	raw := strings.TrimSpace(string(a.ID))
	if raw == "" || raw == "null" || raw == `""` {
		return nil, nil
	}

	var list []int64
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal(a.ID, &list); err != nil {
			return nil, fmt.Errorf("invalid id list: %w", err)
		}
		return list, nil
	}

	var joined string
	if err := json.Unmarshal(a.ID, &joined); err != nil {
		joined = raw
	}
	return ParseIDs(joined)
}

// ParseIDs splits a comma-joined id list.
func ParseIDs(joined string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
