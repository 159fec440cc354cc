package daemon

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/devserver"
	"github.com/msageha/fieldagent/internal/lock"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/uds"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type testEnv struct {
	dev    *devserver.Server
	client *api.Client
	wsURL  string
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dev := devserver.New(devserver.Options{})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)
	client, err := api.New(api.Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second, Backoff: time.Millisecond})
	require.NoError(t, err)

	// unix socket paths are length-limited; keep the agent dir short
	dir, err := os.MkdirTemp("", "fa")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return &testEnv{
		dev:    dev,
		client: client,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		dir:    dir,
	}
}

func (e *testEnv) config() model.Config {
	cfg := model.Config{}
	cfg.Agent.Username = "responder1"
	cfg.Watcher.PollIntervalSec = 1
	cfg.Watcher.HealthIntervalSec = 1
	cfg.Watcher.DebounceSec = 0.05
	cfg.Push.ReconnectSec = 1
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.ApplyDefaults()
	return cfg
}

func (e *testEnv) start(t *testing.T, cfg model.Config) *Daemon {
	t.Helper()
	d := newDaemon(e.dir, cfg, e.client, io.Discard, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	return d
}

func (e *testEnv) uds() *uds.Client {
	c := uds.NewClient(filepath.Join(e.dir, uds.DefaultSocketName))
	c.SetTimeout(5 * time.Second)
	return c
}

// status is safe inside Eventually: a failed call yields the zero Status.
func status(t *testing.T, c *uds.Client) agent.Status {
	t.Helper()
	var st agent.Status
	if err := c.Call(context.Background(), uds.CommandStatus, nil, &st); err != nil {
		t.Logf("status: %v", err)
	}
	return st
}

func waitOnline(t *testing.T, c *uds.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return status(t, c).Connectivity.State == agent.ConnOnline
	}, waitFor, tick)
}

func TestDaemon_SubmitOverUDSIsDelivered(t *testing.T) {
	env := newTestEnv(t)
	rep := env.dev.AddReport(model.Report{Type: "Medical", FirstName: "Ana", LastName: "Cruz"})
	env.start(t, env.config())
	c := env.uds()
	ctx := context.Background()

	require.NoError(t, c.Call(ctx, uds.CommandPing, nil, nil))
	waitOnline(t, c)

	var res agent.SubmitResult
	require.NoError(t, c.Call(ctx, uds.CommandSubmit, agent.SubmitRequest{ReportID: rep.ID, Action: model.ActionOnTheWay}, &res))
	assert.NotEmpty(t, res.ActionID)

	require.Eventually(t, func() bool {
		return env.dev.AppliedCount(rep.ID, model.ActionOnTheWay) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		st := status(t, c)
		return len(st.Pending) == 0 && len(st.Derived.OnTheWay) == 1
	}, waitFor, tick)

	var log model.NotificationLog
	require.NoError(t, c.Call(ctx, uds.CommandNotifications, nil, &log))
	require.NotEmpty(t, log.Notifications)
	assert.Equal(t, model.NotificationActionDelivered, log.Notifications[0].Kind)
}

func TestDaemon_OfflineSubmitDrainsWhenBackendReturns(t *testing.T) {
	env := newTestEnv(t)
	rep := env.dev.AddReport(model.Report{Type: "Fire", FirstName: "Ben"})
	env.dev.SetOffline(true)
	env.start(t, env.config())
	c := env.uds()
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return status(t, c).Connectivity.State == agent.ConnOffline
	}, waitFor, tick)

	var res agent.SubmitResult
	require.NoError(t, c.Call(ctx, uds.CommandSubmit, agent.SubmitRequest{ReportID: rep.ID, Action: model.ActionArrived}, &res))
	assert.True(t, res.Queued)

	var drained DrainResponse
	require.NoError(t, c.Call(ctx, uds.CommandDrain, nil, &drained))
	assert.True(t, drained.Offline)
	assert.Equal(t, 1, drained.Remaining)

	env.dev.SetOffline(false)
	require.Eventually(t, func() bool {
		return env.dev.AppliedCount(rep.ID, model.ActionArrived) == 1 && len(status(t, c).Pending) == 0
	}, waitFor, tick)
}

func TestDaemon_InboxIngestion(t *testing.T) {
	env := newTestEnv(t)
	env.dev.SetOffline(true)

	inbox := agent.NewInbox(env.dir)
	early, err := model.NewPendingAction("r1", model.ActionOnTheWay, "", "", time.Now())
	require.NoError(t, err)
	_, err = inbox.Drop(early)
	require.NoError(t, err)

	env.start(t, env.config())
	c := env.uds()

	var st agent.Status
	require.NoError(t, c.Call(context.Background(), uds.CommandStatus, nil, &st))
	require.Len(t, st.Pending, 1)
	assert.Equal(t, early.ID, st.Pending[0].ID)

	late, err := model.NewPendingAction("r2", model.ActionDeclined, "", "", time.Now())
	require.NoError(t, err)
	_, err = inbox.Drop(late)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(status(t, c).Pending) == 2 }, waitFor, tick)
	pending, err := inbox.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDaemon_SecondInstanceIsRefused(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, env.config())

	second := newDaemon(env.dir, env.config(), env.client, io.Discard, nil)
	err := second.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLocked))
}

func TestDaemon_ShutdownViaUDS(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, env.config())
	c := env.uds()

	require.NoError(t, c.Call(context.Background(), uds.CommandShutdown, nil, nil))
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}

	assert.NoFileExists(t, filepath.Join(env.dir, uds.DefaultSocketName))
	err := c.Call(context.Background(), uds.CommandPing, nil, nil)
	assert.ErrorIs(t, err, uds.ErrDaemonNotRunning)

	// the lock is released: a new daemon can take over
	next := newDaemon(env.dir, env.config(), env.client, io.Discard, nil)
	require.NoError(t, next.Start())
	next.Shutdown()
}

func TestDaemon_SubmitErrorsCarryCodes(t *testing.T) {
	env := newTestEnv(t)
	env.dev.SetOffline(true)
	cfg := env.config()
	cfg.Limits.MaxPendingActions = 1
	env.start(t, cfg)
	c := env.uds()
	ctx := context.Background()

	err := c.Call(ctx, uds.CommandSubmit, map[string]string{"report_id": "r1", "action": "teleport"}, nil)
	assert.Equal(t, uds.ErrCodeValidation, uds.ErrorCode(err))

	err = c.Call(ctx, uds.CommandSubmit, agent.SubmitRequest{Action: model.ActionArrived}, nil)
	assert.Equal(t, uds.ErrCodeValidation, uds.ErrorCode(err))

	require.NoError(t, c.Call(ctx, uds.CommandSubmit, agent.SubmitRequest{ReportID: "r1", Action: model.ActionArrived}, nil))
	err = c.Call(ctx, uds.CommandSubmit, agent.SubmitRequest{ReportID: "r2", Action: model.ActionArrived}, nil)
	assert.Equal(t, uds.ErrCodeBackpressure, uds.ErrorCode(err))
}

func TestDaemon_PushAnnouncementAndPeerActions(t *testing.T) {
	env := newTestEnv(t)
	rep := env.dev.AddReport(model.Report{Type: "Flood", FirstName: "Ana", LastName: "Cruz"})
	cfg := env.config()
	cfg.Push.Enabled = true
	cfg.Server.SocketURL = env.wsURL
	env.start(t, cfg)
	c := env.uds()
	ctx := context.Background()

	select {
	case name := <-env.dev.Hub().Joined():
		assert.NotEmpty(t, name)
	case <-time.After(waitFor):
		t.Fatal("agent never joined the push hub")
	}

	peer := model.Session{ID: "peer-2", Username: "maria", FirstName: "Maria", LastName: "Santos"}
	_, err := env.dev.ApplyAs(peer, rep.ID, model.ActionOnTheWay)
	require.NoError(t, err)
	env.dev.Announce("Evacuate zone 3")

	require.Eventually(t, func() bool {
		var log model.NotificationLog
		if err := c.Call(ctx, uds.CommandNotifications, nil, &log); err != nil {
			return false
		}
		var peerSeen, annSeen bool
		for _, n := range log.Notifications {
			switch n.Kind {
			case model.NotificationPeerAction:
				peerSeen = peerSeen || n.Message == "Maria Santos is on its way to the Flood report of Ana Cruz"
			case model.NotificationAnnouncement:
				annSeen = annSeen || n.Message == "ANNOUNCEMENT: Evacuate zone 3"
			}
		}
		return peerSeen && annSeen
	}, waitFor, tick)

	var cleared map[string]string
	require.NoError(t, c.Call(ctx, uds.CommandClearNotifications, nil, &cleared))
	var log model.NotificationLog
	require.NoError(t, c.Call(ctx, uds.CommandNotifications, nil, &log))
	assert.Empty(t, log.Notifications)
}

func TestInboxEventFilter(t *testing.T) {
	cases := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/x/inbox/act_1.yaml", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/x/inbox/act_1.yaml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/x/inbox/act_1.yaml", Op: fsnotify.Remove}, false},
		{fsnotify.Event{Name: "/x/inbox/.fieldagent-tmp-1.yaml", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/x/inbox/act_1.yaml.bak", Op: fsnotify.Create}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, inboxEvent(tc.event), tc.event.String())
	}
}

func TestErrorResponseCodes(t *testing.T) {
	assert.Equal(t, uds.ErrCodeValidation, errorResponse(agent.ErrInvalidAction).Error.Code)
	assert.Equal(t, uds.ErrCodeBackpressure, errorResponse(agent.ErrBackpressure).Error.Code)
	assert.Equal(t, uds.ErrCodeShuttingDown, errorResponse(agent.ErrClosed).Error.Code)
	assert.Equal(t, uds.ErrCodeInternal, errorResponse(errors.New("boom")).Error.Code)
}
