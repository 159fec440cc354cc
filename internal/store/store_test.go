package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fieldagent/internal/model"
)

func newAction(t *testing.T, reportID string, kind model.ActionKind) model.PendingAction {
	t.Helper()
	a, err := model.NewPendingAction(reportID, kind, "Fire report of Ana Cruz", "", time.Now())
	require.NoError(t, err)
	return a
}

func drivers() []string {
	return []string{model.StoreDriverYAML, model.StoreDriverSQLite}
}

func TestStore_PendingSurvivesReopen(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			agentDir := t.TempDir()
			cfg := model.StoreConfig{Driver: driver}

			s, err := Open(agentDir, cfg)
			require.NoError(t, err)

			a1 := newAction(t, "r1", model.ActionOnTheWay)
			a2 := newAction(t, "r2", model.ActionDeclined)
			a3 := newAction(t, "r1", model.ActionArrived)
			msg := "dial tcp: connection refused"
			a2.Attempts = 3
			a2.LastError = &msg

			require.NoError(t, s.SavePending(ctx, []model.PendingAction{a1, a2, a3}))
			require.NoError(t, s.Close())

			s2, err := Open(agentDir, cfg)
			require.NoError(t, err)
			defer func() { _ = s2.Close() }()

			got, err := s2.LoadPending(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{a1.ID, a2.ID, a3.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
			assert.Equal(t, a2.IdempotencyKey, got[1].IdempotencyKey)
			assert.Equal(t, 3, got[1].Attempts)
			require.NotNil(t, got[1].LastError)
			assert.Equal(t, msg, *got[1].LastError)
			assert.Nil(t, got[0].SupersededAt)
		})
	}
}

func TestStore_EmptyState(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(t.TempDir(), model.StoreConfig{Driver: driver})
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			pending, err := s.LoadPending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)

			nl, err := s.LoadNotifications(ctx)
			require.NoError(t, err)
			assert.Empty(t, nl.Notifications)
			assert.False(t, nl.HasNew)

			hidden, err := s.LoadHidden(ctx)
			require.NoError(t, err)
			assert.Empty(t, hidden)
		})
	}
}

func TestStore_RemovalIsPersisted(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(t.TempDir(), model.StoreConfig{Driver: driver})
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			a1 := newAction(t, "r1", model.ActionOnTheWay)
			a2 := newAction(t, "r2", model.ActionOnTheWay)
			require.NoError(t, s.SavePending(ctx, []model.PendingAction{a1, a2}))
			require.NoError(t, s.SavePending(ctx, []model.PendingAction{a2}))

			got, err := s.LoadPending(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, a2.ID, got[0].ID)
		})
	}
}

func TestStore_NotificationsAndHidden(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(t.TempDir(), model.StoreConfig{Driver: driver})
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			nl := model.NewNotificationLog()
			nl.Prepend(model.Notification{ID: "ntf_1700000000_00000001", Kind: model.NotificationNewReport,
				ReportID: "r1", Message: "first", CreatedAt: "2026-01-01T00:00:00Z"}, 10)
			nl.Prepend(model.Notification{ID: "ntf_1700000001_00000002", Kind: model.NotificationPeerAction,
				Message: "second", CreatedAt: "2026-01-01T00:00:01Z"}, 10)
			require.NoError(t, s.SaveNotifications(ctx, nl))

			got, err := s.LoadNotifications(ctx)
			require.NoError(t, err)
			assert.True(t, got.HasNew)
			require.Len(t, got.Notifications, 2)
			assert.Equal(t, "second", got.Notifications[0].Message)
			assert.Equal(t, model.NotificationNewReport, got.Notifications[1].Kind)

			require.NoError(t, s.SaveHidden(ctx, []string{"r1", "r2"}))
			hidden, err := s.LoadHidden(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"r1", "r2"}, hidden)
		})
	}
}

func TestYAMLStore_RecoversCorruptQueueFromBackup(t *testing.T) {
	ctx := context.Background()
	agentDir := t.TempDir()
	s, err := Open(agentDir, model.StoreConfig{Driver: model.StoreDriverYAML})
	require.NoError(t, err)

	a1 := newAction(t, "r1", model.ActionOnTheWay)
	a2 := newAction(t, "r2", model.ActionOnTheWay)
	require.NoError(t, s.SavePending(ctx, []model.PendingAction{a1}))
	// second write leaves the first queue in .bak
	require.NoError(t, s.SavePending(ctx, []model.PendingAction{a1, a2}))

	path := filepath.Join(agentDir, "state", pendingFile)
	require.NoError(t, os.WriteFile(path, []byte("actions: [unterminated\n"), 0644))

	got, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a1.ID, got[0].ID)

	entries, err := os.ReadDir(filepath.Join(agentDir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestYAMLStore_RecoversCorruptQueueToSkeleton(t *testing.T) {
	ctx := context.Background()
	agentDir := t.TempDir()
	s, err := Open(agentDir, model.StoreConfig{Driver: model.StoreDriverYAML})
	require.NoError(t, err)

	path := filepath.Join(agentDir, "state", pendingFile)
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0644))

	got, err := s.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(t.TempDir(), model.StoreConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestMemoryStore_FailSaves(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a := newAction(t, "r1", model.ActionOnTheWay)

	require.NoError(t, m.SavePending(ctx, []model.PendingAction{a}))
	m.SetFailSaves(true)
	assert.Error(t, m.SavePending(ctx, nil))

	got, err := m.LoadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, m.SaveCount())
}
