package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/devserver"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/store"
)

// fakeBackend fails per report and counts deliveries per idempotency key.
type fakeBackend struct {
	mu        sync.Mutex
	healthErr error
	listErr   error
	reports   []model.Report
	fail      map[string]error
	calls     map[string]int
	order     []string
	// gate, when set, holds every ApplyAction until it is closed or ctx ends.
	gate chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeBackend) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeBackend) ListReports(context.Context) ([]model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Report{}, f.reports...), nil
}

func (f *fakeBackend) ApplyAction(ctx context.Context, reportID string, kind model.ActionKind, key string) (*model.Report, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, reportID+"/"+string(kind))
	if err := f.fail[reportID]; err != nil {
		return nil, err
	}
	f.calls[key]++
	return nil, nil
}

func (f *fakeBackend) setFail(reportID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, reportID)
		return
	}
	f.fail[reportID] = err
}

// hold makes ApplyAction block; the returned func lets calls through.
func (f *fakeBackend) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeBackend) setHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeBackend) setReports(reports ...model.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = reports
}

func (f *fakeBackend) deliveries(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeBackend) attemptsFor(reportID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.order {
		if len(o) > len(reportID) && o[:len(reportID)+1] == reportID+"/" {
			n++
		}
	}
	return n
}

// orderFor lists the action kinds requested for reportID, failed attempts included.
func (f *fakeBackend) orderFor(reportID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, o := range f.order {
		if strings.HasPrefix(o, reportID+"/") {
			out = append(out, strings.TrimPrefix(o, reportID+"/"))
		}
	}
	return out
}

func transientErr() error {
	return &api.StatusError{Method: http.MethodPatch, Path: "/reports/x", StatusCode: http.StatusServiceUnavailable}
}

func unauthorizedErr() error {
	return &api.StatusError{Method: http.MethodPatch, Path: "/reports/x", StatusCode: http.StatusUnauthorized, Message: "session expired"}
}

func conflictErr() error {
	return &api.StatusError{Method: http.MethodPatch, Path: "/reports/x", StatusCode: http.StatusConflict, Message: "report already closed"}
}

func testConfig() model.Config {
	cfg := model.Config{}
	cfg.Agent.ResponderID = devserver.DefaultSession().ID
	cfg.ApplyDefaults()
	return cfg
}

func newTestAgent(t *testing.T, st store.Store, backend Backend, mutate func(cfg *model.Config)) *Agent {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(context.Background(), Options{
		AgentDir: t.TempDir(),
		Config:   cfg,
		Store:    st,
		Backend:  backend,
		Logger:   DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// goOffline forces the offline state.
func goOffline(t *testing.T, a *Agent) {
	t.Helper()
	a.Connectivity().MarkOffline("test")
	require.False(t, a.Connectivity().Online())
}

func startDevBackend(t *testing.T) (*devserver.Server, *api.Client) {
	t.Helper()
	dev := devserver.New(devserver.Options{})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)
	client, err := api.New(api.Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second, Backoff: time.Millisecond})
	require.NoError(t, err)
	return dev, client
}

func submit(t *testing.T, a *Agent, reportID string, kind model.ActionKind) SubmitResult {
	t.Helper()
	res, err := a.Submit(context.Background(), SubmitRequest{ReportID: reportID, Action: kind})
	require.NoError(t, err)
	return res
}

func notificationsOf(a *Agent, kind model.NotificationKind) []model.Notification {
	var out []model.Notification
	for _, n := range a.notifications.History().Notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

const eventually = 3 * time.Second
const tick = 10 * time.Millisecond
