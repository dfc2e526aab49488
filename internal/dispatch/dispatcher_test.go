package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/fleetcron/internal/delivery"
	"github.com/0xPuncker/fleetcron/internal/lease"
	"github.com/0xPuncker/fleetcron/internal/mutex"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu   sync.Mutex
	runs map[int64]int
	last map[int64]time.Time
	err  error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{runs: map[int64]int{}, last: map[int64]time.Time{}}
}

func (c *fakeCounter) IncrementRun(_ context.Context, id int64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.runs[id]++
	c.last[id] = at
	return nil
}

func (c *fakeCounter) count(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

type memorySink struct {
	mu      sync.Mutex
	entries []*types.RunLogEntry
}

func (s *memorySink) Write(_ context.Context, entry *types.RunLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []delivery.Request
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, req delivery.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

type fixture struct {
	store      *lease.MemoryStore
	task       *mutex.TaskMutex
	counter    *fakeCounter
	sink       *memorySink
	submitter  *recordingSubmitter
	dispatcher *Dispatcher
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:     lease.NewMemoryStore(),
		counter:   newFakeCounter(),
		sink:      &memorySink{},
		submitter: &recordingSubmitter{},
	}
	logger := testLogger()
	f.task = mutex.NewTaskMutex(f.store, time.Hour)
	server := mutex.NewServerMutex(f.store, "eth0:0242ac110002", time.Hour, logger)

	cfg := Config{
		HTTPTimeout:    2 * time.Second,
		CommandTimeout: 10 * time.Second,
		Submitter:      f.submitter,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.dispatcher = New(f.task, server, f.counter, f.sink, cfg, logger)
	return f
}

func job(id int64, variant types.Variant, target string) *types.JobDefinition {
	return &types.JobDefinition{
		ID:     id,
		Title:  "job",
		Type:   variant,
		Rule:   "* * * * *",
		Target: target,
		Status: types.StatusEnabled,
	}
}

func TestFireCommandPing(t *testing.T) {
	f := newFixture(t, nil)
	def := &types.JobDefinition{ID: 1, Title: "ping", Type: types.VariantCommand, Rule: "* * * * *", Target: "echo hi"}

	entry := f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)

	assert.Contains(t, entry.Exception, "hi")
	assert.Equal(t, 0, entry.ReturnCode)
	assert.Equal(t, int64(1), entry.CrontabID)
	assert.Equal(t, "echo hi", entry.Target)
	assert.GreaterOrEqual(t, entry.RunningTime, 0.0)
	assert.Equal(t, 1, f.counter.count(1))
	assert.Equal(t, 1, f.sink.len())

	held, err := f.task.Exists(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, held, "task lease must be released after the run")
}

func TestCommandLine(t *testing.T) {
	testCases := []struct {
		name       string
		target     string
		parameter  string
		background bool
		want       string
		wantErr    bool
	}{
		{"plain", "echo hi", "", false, "echo hi", false},
		{"ordered pairs", "report", `{"--day":"2024-01-01","--dry-run":null,"-n":3}`, false, "report --day 2024-01-01 --dry-run -n 3", false},
		{"quoted value", "echo", `{"--name":"a b"}`, false, `echo --name 'a b'`, false},
		{"injection", "echo", `{"--x":"; rm -rf /"}`, false, `echo --x '; rm -rf /'`, false},
		{"background", "sleep 1", "", true, "sleep 1" + BackgroundSuffix, false},
		{"invalid json", "echo", `{"--x":`, false, "", true},
		{"not an object", "echo", `[1,2]`, false, "", true},
		{"empty target", "  ", "", false, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := CommandRunner{Background: tc.background}
			line, err := r.CommandLine(&types.JobDefinition{Target: tc.target, Parameter: tc.parameter})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, line)
		})
	}
}

func TestFireCommandWithParameters(t *testing.T) {
	f := newFixture(t, nil)
	def := job(2, types.VariantCommand, "echo")
	def.Parameter = `{"--name":"a b","--flag":null}`

	entry := f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.ReturnCode)
	assert.Equal(t, "--name a b --flag", entry.Exception)
}

func TestFireDefinitionErrorsAreNonFatal(t *testing.T) {
	f := newFixture(t, nil)

	testCases := []struct {
		name string
		def  *types.JobDefinition
	}{
		{"malformed parameter", &types.JobDefinition{ID: 3, Title: "a", Type: types.VariantCommand, Target: "echo", Parameter: "{oops"}},
		{"failing shell", &types.JobDefinition{ID: 4, Title: "b", Type: types.VariantShell, Target: "echo partial; exit 3"}},
		{"unknown variant", &types.JobDefinition{ID: 5, Title: "c", Type: types.Variant(42), Target: "x"}},
		{"eval disabled", &types.JobDefinition{ID: 6, Title: "d", Type: types.VariantEval, Target: "1 + 1"}},
		{"class without parameter object", &types.JobDefinition{ID: 7, Title: "e", Type: types.VariantClassMethod, Target: "Report", Parameter: "[1]"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entry := f.dispatcher.Fire(context.Background(), tc.def, nil)
			require.NotNil(t, entry)
			assert.Equal(t, 1, entry.ReturnCode)
			assert.NotEmpty(t, entry.Exception)
			assert.Equal(t, 1, f.counter.count(tc.def.ID))
		})
	}

	assert.Contains(t, f.sink.entries[1].Exception, "partial")
	assert.Contains(t, f.sink.entries[3].Exception, ErrEvalDisabled.Error())
}

func TestFireURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("healthy"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	f := newFixture(t, nil)

	entry := f.dispatcher.Fire(context.Background(), job(10, types.VariantURL, srv.URL+"/ok"), nil)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.ReturnCode)
	assert.Equal(t, "healthy", entry.Exception)

	failing := job(11, types.VariantURL, srv.URL+"/down")
	failing.Title = "down"
	entry = f.dispatcher.Fire(context.Background(), failing, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode)
	assert.Contains(t, entry.Exception, "503")

	unreachable := job(12, types.VariantURL, "http://127.0.0.1:1/")
	unreachable.Title = "unreachable"
	entry = f.dispatcher.Fire(context.Background(), unreachable, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode)
	assert.NotEmpty(t, entry.Exception)
}

func TestFireURLTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
		_ = buf.Flush()
	}))
	defer srv.Close()

	f := newFixture(t, nil)

	entry := f.dispatcher.Fire(context.Background(), job(13, types.VariantURL, srv.URL), nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode, "a body cut short is a failed probe")
	assert.Contains(t, entry.Exception, "partial")
	assert.Contains(t, entry.Exception, "read response body")
}

func TestFireClassMethod(t *testing.T) {
	f := newFixture(t, nil)
	def := job(20, types.VariantClassMethod, "Report@daily")
	def.Parameter = `{"team":"ops"}`

	entry := f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.ReturnCode)

	require.Len(t, f.submitter.reqs, 1)
	req := f.submitter.reqs[0]
	assert.Equal(t, "Report", req.Class)
	assert.Equal(t, "daily", req.Method)
	assert.Equal(t, "ops", req.Parameter["team"])

	def = job(21, types.VariantClassMethod, "Report")
	def.Title = "default method"
	entry = f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, delivery.DefaultMethod, f.submitter.reqs[1].Method)
	assert.Empty(t, f.submitter.reqs[1].Parameter)

	f.submitter.err = errors.New("connection refused")
	def.Title = "unreachable pool"
	entry = f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode)
	assert.Contains(t, entry.Exception, "connection refused")
}

func TestFireEval(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.AllowEval = true })

	def := job(30, types.VariantEval, "params.a + 1")
	def.Parameter = `{"a":2}`
	entry := f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.ReturnCode)
	assert.Equal(t, "3", entry.Exception)

	bad := job(31, types.VariantEval, "params.a +")
	bad.Title = "bad"
	entry = f.dispatcher.Fire(context.Background(), bad, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode)
}

func TestFireSkipsWhenTaskLeaseHeld(t *testing.T) {
	f := newFixture(t, nil)
	def := job(40, types.VariantShell, "echo hi")

	ok, err := f.task.Acquire(context.Background(), def)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Nil(t, f.dispatcher.Fire(context.Background(), def, nil))
	assert.Zero(t, f.counter.count(40))
	assert.Zero(t, f.sink.len())

	held, err := f.task.Exists(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, held, "a skipped tick must not release a lease it does not hold")
}

func TestFireSkipsWhenOwnedElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	def := job(41, types.VariantShell, "echo hi")

	other := mutex.NewServerMutex(f.store, "eth0:0242ac110099", time.Hour, testLogger())
	ok, err := other.Attempt(context.Background(), def)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Nil(t, f.dispatcher.Fire(context.Background(), def, nil))
	assert.Zero(t, f.sink.len())

	held, err := f.task.Exists(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, held, "task lease must be released when ownership fails")
}

func TestFireSingletonDisarms(t *testing.T) {
	f := newFixture(t, nil)
	def := job(50, types.VariantShell, "true")
	def.Singleton = true

	disarmed := 0
	entry := f.dispatcher.Fire(context.Background(), def, func() { disarmed++ })
	require.NotNil(t, entry)
	assert.Equal(t, 1, disarmed)

	def.Singleton = false
	f.dispatcher.Fire(context.Background(), def, func() { disarmed++ })
	assert.Equal(t, 1, disarmed)
}

func TestFireRecoversPanickingRunner(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.SetRunner(types.VariantShell, RunnerFunc(func(ctx context.Context, def *types.JobDefinition) Result {
		panic("boom")
	}))
	def := job(60, types.VariantShell, "ignored")

	entry := f.dispatcher.Fire(context.Background(), def, nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReturnCode)
	assert.Contains(t, entry.Exception, "boom")

	held, err := f.task.Exists(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDuplicateTitleAndRuleFireOnce(t *testing.T) {
	f := newFixture(t, nil)

	started := make(chan struct{})
	finish := make(chan struct{})
	f.dispatcher.SetRunner(types.VariantShell, RunnerFunc(func(ctx context.Context, def *types.JobDefinition) Result {
		close(started)
		<-finish
		return Result{Output: def.Target}
	}))

	first := &types.JobDefinition{ID: 70, Title: "dup", Rule: "* * * * *", Type: types.VariantShell, Target: "first"}
	second := &types.JobDefinition{ID: 71, Title: "dup", Rule: "* * * * *", Type: types.VariantShell, Target: "second"}

	done := make(chan *types.RunLogEntry)
	go func() { done <- f.dispatcher.Fire(context.Background(), first, nil) }()

	<-started
	assert.Nil(t, f.dispatcher.Fire(context.Background(), second, nil))
	close(finish)

	entry := <-done
	require.NotNil(t, entry)
	assert.Equal(t, "first", entry.Exception)
	assert.Equal(t, 1, f.sink.len())
	assert.Zero(t, f.counter.count(71))
}

func TestFireCounterFailureStillLogs(t *testing.T) {
	f := newFixture(t, nil)
	f.counter.err = errors.New("database is locked")

	entry := f.dispatcher.Fire(context.Background(), job(80, types.VariantShell, "true"), nil)
	require.NotNil(t, entry)
	assert.Equal(t, 1, f.sink.len())
}

func TestFireTruncatesOutput(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxOutput = 8 })

	entry := f.dispatcher.Fire(context.Background(), job(90, types.VariantShell, "printf 0123456789abcdef"), nil)
	require.NotNil(t, entry)
	assert.Contains(t, entry.Exception, "01234567")
	assert.NotContains(t, entry.Exception, "abcdef")
}

type recordingAlerter struct {
	hits chan int64
}

func (a *recordingAlerter) NotifyFailure(_ context.Context, def *types.JobDefinition, _ *types.RunLogEntry) error {
	a.hits <- def.ID
	return nil
}

func TestFireAlertsOnFailure(t *testing.T) {
	alerter := &recordingAlerter{hits: make(chan int64, 1)}
	f := newFixture(t, func(cfg *Config) { cfg.Alerter = alerter })

	f.dispatcher.Fire(context.Background(), job(95, types.VariantShell, "exit 1"), nil)

	select {
	case id := <-alerter.hits:
		assert.Equal(t, int64(95), id)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not sent")
	}
}
