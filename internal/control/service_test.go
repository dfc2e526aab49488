package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/fleetcron/internal/cron"
	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/0xPuncker/fleetcron/internal/testutil"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleFirer struct{}

func (idleFirer) Fire(context.Context, *types.JobDefinition, func()) *types.RunLogEntry { return nil }

func newService(t *testing.T) (*Service, *cron.Registry, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	logger := testutil.Logger()
	registry := cron.NewRegistry(s, idleFirer{}, nil, logger)
	t.Cleanup(registry.Close)
	return NewService(registry, s, logger), registry, s
}

func call(t *testing.T, svc *Service, method string, args any) types.ControlResponse {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return svc.Handle(context.Background(), types.ControlRequest{Method: method, Args: raw})
}

func mutationOf(t *testing.T, resp types.ControlResponse) types.MutationResult {
	t.Helper()
	require.Equal(t, types.CodeOK, resp.Code, resp.Msg)
	result, ok := resp.Data.(types.MutationResult)
	require.True(t, ok, "unexpected data %T", resp.Data)
	return result
}

var pingArgs = map[string]any{
	"title":  "ping",
	"type":   1,
	"rule":   "* * * * *",
	"target": "echo hi",
	"status": 1,
}

func TestCreateAndList(t *testing.T) {
	svc, registry, _ := newService(t)

	created := mutationOf(t, call(t, svc, types.MethodCreate, pingArgs))
	assert.True(t, created.Code)
	assert.NotZero(t, created.ID)
	assert.True(t, registry.Has(created.ID))

	resp := call(t, svc, types.MethodList, map[string]any{"limit": 10, "page": 1})
	require.Equal(t, types.CodeOK, resp.Code)
	page, ok := resp.Data.(*types.PaginationResult[types.JobDefinition])
	require.True(t, ok)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ping", page.Items[0].Title)
	assert.Equal(t, "echo hi", page.Items[0].Target)

	resp = svc.Handle(context.Background(), types.ControlRequest{Method: types.MethodList})
	assert.Equal(t, types.CodeOK, resp.Code)
}

func TestCreateInvalidReportsInnerFailure(t *testing.T) {
	svc, _, _ := newService(t)

	resp := call(t, svc, types.MethodCreate, map[string]any{"title": "bad", "rule": "whenever", "target": "true"})
	result := mutationOf(t, resp)
	assert.False(t, result.Code)
	assert.Contains(t, resp.Msg, "invalid job definition")

	resp = svc.Handle(context.Background(), types.ControlRequest{Method: types.MethodCreate, Args: json.RawMessage(`{"title":`)})
	assert.Equal(t, types.CodeBadRequest, resp.Code)
}

func TestUpdate(t *testing.T) {
	svc, registry, s := newService(t)
	id := mutationOf(t, call(t, svc, types.MethodCreate, pingArgs)).ID

	result := mutationOf(t, call(t, svc, types.MethodUpdate, map[string]any{"id": id, "status": 0, "target": "echo bye"}))
	assert.True(t, result.Code)
	assert.False(t, registry.Has(id))

	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "echo bye", got.Target)
	assert.Equal(t, types.StatusDisabled, got.Status)

	// ids may arrive as strings
	result = mutationOf(t, call(t, svc, types.MethodUpdate, map[string]any{"id": "4242", "title": "ghost"}))
	assert.False(t, result.Code)

	resp := call(t, svc, types.MethodUpdate, map[string]any{"title": "no id"})
	assert.Equal(t, types.CodeBadRequest, resp.Code)

	resp = call(t, svc, types.MethodUpdate, map[string]any{"id": "1,2", "title": "two ids"})
	assert.Equal(t, types.CodeBadRequest, resp.Code)
}

func TestDeleteAndReload(t *testing.T) {
	svc, registry, _ := newService(t)
	a := mutationOf(t, call(t, svc, types.MethodCreate, pingArgs)).ID
	disabled := map[string]any{"title": "b", "rule": "@daily", "target": "true", "status": 0}
	b := mutationOf(t, call(t, svc, types.MethodCreate, disabled)).ID

	result := mutationOf(t, call(t, svc, types.MethodReload, map[string]any{"id": b}))
	assert.True(t, result.Code)
	assert.True(t, registry.Has(b))

	result = mutationOf(t, call(t, svc, types.MethodDelete, map[string]any{"id": ""}))
	assert.True(t, result.Code, "empty delete is a successful no-op")

	result = mutationOf(t, call(t, svc, types.MethodDelete, map[string]any{"id": joinIDs(a, b)}))
	assert.True(t, result.Code)
	assert.Zero(t, registry.Len())

	resp := call(t, svc, types.MethodList, nil)
	page := resp.Data.(*types.PaginationResult[types.JobDefinition])
	assert.Zero(t, page.TotalItems)

	resp = call(t, svc, types.MethodDelete, map[string]any{"id": "x,y"})
	assert.Equal(t, types.CodeBadRequest, resp.Code)

	result = mutationOf(t, call(t, svc, types.MethodReload, map[string]any{"id": []int64{9999}}))
	assert.False(t, result.Code)
}

func TestDeleteMissingJobReportsFalse(t *testing.T) {
	svc, _, _ := newService(t)

	resp := call(t, svc, types.MethodDelete, map[string]any{"id": "9999"})
	assert.Equal(t, types.CodeOK, resp.Code)
	assert.False(t, mutationOf(t, resp).Code)
}

func TestListLogs(t *testing.T) {
	svc, _, s := newService(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, &types.RunLogEntry{CrontabID: 7, Target: "echo hi", Exception: "hi"}))
	require.NoError(t, s.AppendLog(ctx, &types.RunLogEntry{CrontabID: 8, Target: "false", ReturnCode: 1}))

	resp := call(t, svc, types.MethodListLogs, map[string]any{"where": map[string]any{"sid": 7}})
	require.Equal(t, types.CodeOK, resp.Code)
	page := resp.Data.(*types.PaginationResult[types.RunLogEntry])
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hi", page.Items[0].Exception)
	assert.Equal(t, types.DefaultPageSize, page.PageSize)

	resp = call(t, svc, types.MethodListLogs, map[string]any{"where": map[string]any{"target": "x"}})
	assert.Equal(t, types.CodeBadRequest, resp.Code)
}

func TestUnknownMethod(t *testing.T) {
	svc, _, _ := newService(t)

	resp := call(t, svc, "truncate", nil)
	assert.Equal(t, types.CodeUnknownMethod, resp.Code)
	assert.Contains(t, resp.Msg, "truncate")

	resp = svc.HandleRaw(context.Background(), []byte("not json"))
	assert.Equal(t, types.CodeBadRequest, resp.Code)
}

func TestTCPServer(t *testing.T) {
	svc, _, _ := newService(t)
	server := NewTCPServer(svc, testutil.Logger())
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("control server did not stop")
		}
	})

	client, err := Dial(ctx, addr.String())
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Do(ctx, types.MethodCreate, pingArgs)
	require.NoError(t, err)
	require.Equal(t, types.CodeOK, resp.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["code"])

	// same connection, second request
	resp, err = client.Do(ctx, types.MethodList, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, types.CodeOK, resp.Code)
	data = resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["total_items"])

	resp, err = client.Do(ctx, "nope", nil)
	require.NoError(t, err)
	assert.Equal(t, types.CodeUnknownMethod, resp.Code)

	raw, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("\n{broken\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(raw).ReadBytes('\n')
	require.NoError(t, err)

	var bad types.ControlResponse
	require.NoError(t, json.Unmarshal(line, &bad))
	assert.Equal(t, types.CodeBadRequest, bad.Code)
}

func joinIDs(ids ...int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
