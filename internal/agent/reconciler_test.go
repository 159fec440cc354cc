package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fieldagent/internal/devserver"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/push"
	"github.com/msageha/fieldagent/internal/store"
)

var me = devserver.DefaultSession().ID

func report(id string, status model.ReportStatus, updated time.Time, actions ...model.ResponderAction) model.Report {
	return model.Report{
		ID:               id,
		Type:             "Medical",
		FirstName:        "Ana",
		LastName:         "Cruz",
		Status:           status,
		ResponderActions: actions,
		CreatedAt:        updated.Add(-time.Minute),
		UpdatedAt:        updated,
	}
}

func confirmed(responder string, kind model.ActionKind) model.ResponderAction {
	return model.ResponderAction{ResponderID: responder, Action: kind, Timestamp: time.Now()}
}

func TestReconciler_LastWriterWins(t *testing.T) {
	a := newTestAgent(t, store.NewMemoryStore(), newFakeBackend(), nil)
	ctx := context.Background()
	t0 := time.Now().UTC()

	newer := report("r1", model.ReportStatusArrived, t0.Add(time.Second))
	older := report("r1", model.ReportStatusOnTheWay, t0)

	res := a.reconciler.Apply(ctx, []model.Report{newer}, SourcePush)
	assert.Equal(t, 1, res.Applied)
	res = a.reconciler.Apply(ctx, []model.Report{older}, SourcePush)
	assert.Equal(t, 1, res.Stale)

	got, ok := a.reconciler.Report("r1")
	require.True(t, ok)
	assert.Equal(t, model.ReportStatusArrived, got.Status)

	// replaying the same snapshot changes nothing
	res = a.reconciler.Apply(ctx, []model.Report{newer}, SourcePush)
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Superseded)
	got, _ = a.reconciler.Report("r1")
	assert.Equal(t, newer.UpdatedAt, got.UpdatedAt)
}

func TestReconciler_DerivedIsConfirmedUnionPending(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAgent(t, store.NewMemoryStore(), backend, nil)
	goOffline(t, a)
	ctx := context.Background()
	t0 := time.Now().UTC()

	a.reconciler.Apply(ctx, []model.Report{
		report("r1", model.ReportStatusOnTheWay, t0, confirmed(me, model.ActionOnTheWay)),
		report("r2", model.ReportStatusArrived, t0, confirmed("someone-else", model.ActionArrived)),
		report("r3", model.ReportStatusPending, t0),
	}, SourcePoll)

	submit(t, a, "r3", model.ActionOnTheWay)
	submit(t, a, "r1", model.ActionArrived)

	d := a.reconciler.Derived()
	assert.Equal(t, []string{"r1", "r3"}, d.OnTheWay)
	assert.Equal(t, []string{"r1"}, d.Arrived)
}

func TestReconciler_ContradictingSnapshotWins(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAgent(t, store.NewMemoryStore(), backend, nil)
	goOffline(t, a)
	ctx := context.Background()

	res := submit(t, a, "r1", model.ActionOnTheWay)
	require.Contains(t, a.reconciler.Derived().OnTheWay, "r1")

	// another responder closed the report after we queued
	closed := report("r1", model.ReportStatusResponded, time.Now().UTC().Add(time.Second), confirmed("someone-else", model.ActionResponded))
	applied := a.reconciler.Apply(ctx, []model.Report{closed}, SourcePush)
	assert.Equal(t, []string{res.ActionID}, applied.Superseded)
	assert.NotContains(t, a.reconciler.Derived().OnTheWay, "r1")

	queued, ok := a.queue.Get(res.ActionID)
	require.True(t, ok)
	assert.True(t, queued.IsSuperseded())

	_, err := a.Drain(ctx, "test")
	require.NoError(t, err)
	a.Wait()

	assert.Zero(t, a.queue.Len())
	assert.Zero(t, backend.attemptsFor("r1"))
	assert.Len(t, notificationsOf(a, model.NotificationActionDropped), 1)
}

func TestReconciler_OlderTerminalSnapshotDoesNotSupersede(t *testing.T) {
	a := newTestAgent(t, store.NewMemoryStore(), newFakeBackend(), nil)
	goOffline(t, a)

	stale := report("r1", model.ReportStatusDeclined, time.Now().UTC().Add(-time.Hour))
	res := submit(t, a, "r1", model.ActionOnTheWay)
	applied := a.reconciler.Apply(context.Background(), []model.Report{stale}, SourcePush)

	assert.Empty(t, applied.Superseded)
	queued, _ := a.queue.Get(res.ActionID)
	assert.False(t, queued.IsSuperseded())
}

func TestReconciler_PollDeletionSupersedes(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAgent(t, store.NewMemoryStore(), backend, nil)
	ctx := context.Background()
	t0 := time.Now().UTC()

	backend.setReports(report("r1", model.ReportStatusPending, t0), report("r2", model.ReportStatusPending, t0))
	_, err := a.Poll(ctx)
	require.NoError(t, err)

	goOffline(t, a)
	res := submit(t, a, "r1", model.ActionArrived)

	backend.setReports(report("r2", model.ReportStatusPending, t0))
	applied, err := a.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied.Deleted)
	assert.Equal(t, []string{res.ActionID}, applied.Superseded)
	_, ok := a.reconciler.Report("r1")
	assert.False(t, ok)
}

func TestReconciler_NewReportNotificationsAfterFirstPoll(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAgent(t, store.NewMemoryStore(), backend, nil)
	ctx := context.Background()
	t0 := time.Now().UTC()

	backend.setReports(report("r1", model.ReportStatusPending, t0))
	_, err := a.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, notificationsOf(a, model.NotificationNewReport))

	fresh := report("r2", model.ReportStatusPending, t0)
	fresh.Type = "Earthquake"
	fresh.FirstName, fresh.LastName = "Ben", "Reyes"
	res := a.reconciler.Apply(ctx, []model.Report{fresh}, SourcePush)
	assert.Equal(t, []string{"r2"}, res.NewReports)

	got := notificationsOf(a, model.NotificationNewReport)
	require.Len(t, got, 1)
	assert.Equal(t, "New Other report from Ben Reyes", got[0].Message)
	assert.True(t, a.Status().HasNew)

	// already known: no second notification
	a.reconciler.Apply(ctx, []model.Report{fresh}, SourcePush)
	assert.Len(t, notificationsOf(a, model.NotificationNewReport), 1)
}

func TestReconciler_ActiveReportsExcludeHiddenAndResponded(t *testing.T) {
	a := newTestAgent(t, store.NewMemoryStore(), newFakeBackend(), nil)
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, a.hidden.Add(ctx, "r2"))
	a.reconciler.Apply(ctx, []model.Report{
		report("r1", model.ReportStatusPending, t0),
		report("r2", model.ReportStatusPending, t0.Add(time.Second)),
		report("r3", model.ReportStatusResponded, t0.Add(2*time.Second)),
		report("r4", model.ReportStatusOnTheWay, t0.Add(3*time.Second)),
	}, SourcePoll)

	var ids []string
	for _, r := range a.reconciler.ActiveReports() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r4", "r1"}, ids)
}

func TestHandlePush_PeerActionsAndAnnouncements(t *testing.T) {
	a := newTestAgent(t, store.NewMemoryStore(), newFakeBackend(), nil)
	ctx := context.Background()
	snap := report("r1", model.ReportStatusOnTheWay, time.Now().UTC(), confirmed("peer-7", model.ActionOnTheWay))

	a.HandlePush(ctx, push.Event{
		Type:       push.TypeNotifyOnTheWay,
		ActionKind: model.ActionOnTheWay,
		Action: &push.ActionNotice{
			ReportID: "r1", ResponderID: "peer-7", ResponderName: "Maria Santos",
			ReportType: "Fire", ResidentName: "Ana Cruz", Report: &snap,
		},
	})
	a.HandlePush(ctx, push.Event{
		Type:       push.TypeResponderDeclined,
		ActionKind: model.ActionDeclined,
		Action:     &push.ActionNotice{ReportID: "r1", ResponderID: me, ResponderName: "Me", ReportType: "Fire"},
	})
	a.HandlePush(ctx, push.Event{
		Type:         push.TypePublicAnnouncement,
		Announcement: &push.Announcement{Message: "Evacuate zone 3"},
	})

	peers := notificationsOf(a, model.NotificationPeerAction)
	require.Len(t, peers, 1)
	assert.Equal(t, "Maria Santos is on its way to the Fire report of Ana Cruz", peers[0].Message)

	ann := notificationsOf(a, model.NotificationAnnouncement)
	require.Len(t, ann, 1)
	assert.Equal(t, "ANNOUNCEMENT: Evacuate zone 3", ann[0].Message)

	got, ok := a.reconciler.Report("r1")
	require.True(t, ok)
	assert.Equal(t, model.ReportStatusOnTheWay, got.Status)
}
