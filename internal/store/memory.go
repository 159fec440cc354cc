package store

import (
	"context"
	"errors"
	"sync"

	"github.com/msageha/fieldagent/internal/model"
)

// MemoryStore is an in-process Store for tests. SetFailSaves injects save errors.
type MemoryStore struct {
	mu            sync.Mutex
	pending       []model.PendingAction
	notifications model.NotificationLog
	hidden        []string
	saves         int
	failSaves     bool
}

var errInjectedSave = errors.New("memory store: injected save failure")

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:       []model.PendingAction{},
		notifications: model.NewNotificationLog(),
		hidden:        []string{},
	}
}

func (m *MemoryStore) LoadPending(context.Context) ([]model.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePending(m.pending), nil
}

func (m *MemoryStore) SavePending(_ context.Context, actions []model.PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errInjectedSave
	}
	m.pending = clonePending(actions)
	m.saves++
	return nil
}

func (m *MemoryStore) LoadNotifications(context.Context) (model.NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nl := m.notifications
	nl.Notifications = append([]model.Notification{}, m.notifications.Notifications...)
	return nl, nil
}

func (m *MemoryStore) SaveNotifications(_ context.Context, nl model.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errInjectedSave
	}
	nl.Notifications = append([]model.Notification{}, nl.Notifications...)
	m.notifications = nl
	return nil
}

func (m *MemoryStore) LoadHidden(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.hidden...), nil
}

func (m *MemoryStore) SaveHidden(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errInjectedSave
	}
	m.hidden = append([]string{}, ids...)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SaveCount is the number of successful SavePending calls.
func (m *MemoryStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetFailSaves toggles injected save failures.
func (m *MemoryStore) SetFailSaves(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = fail
}
