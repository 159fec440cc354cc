// Package store persists the agent's local state: the pending-action queue,
// the notification history, and the set of reports hidden from this responder.
package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/msageha/fieldagent/internal/model"
)

// Store is the durable backing for client-side state. Implementations must make
// SavePending durable before returning: callers treat a nil error as "persisted".
type Store interface {
	LoadPending(ctx context.Context) ([]model.PendingAction, error)
	SavePending(ctx context.Context, actions []model.PendingAction) error

	LoadNotifications(ctx context.Context) (model.NotificationLog, error)
	SaveNotifications(ctx context.Context, log model.NotificationLog) error

	LoadHidden(ctx context.Context) ([]string, error)
	SaveHidden(ctx context.Context, reportIDs []string) error

	Close() error
}

// Open builds the store selected by cfg.Driver rooted at agentDir.
func Open(agentDir string, cfg model.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", model.StoreDriverYAML:
		dir := cfg.Path
		if dir == "" {
			dir = filepath.Join(agentDir, "state")
		}
		return NewYAMLStore(agentDir, dir)
	case model.StoreDriverSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(agentDir, "state", "agent.db")
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q, must be yaml|sqlite", cfg.Driver)
	}
}

func clonePending(actions []model.PendingAction) []model.PendingAction {
	out := make([]model.PendingAction, len(actions))
	for i, a := range actions {
		out[i] = a
		out[i].LastError = cloneStr(a.LastError)
		out[i].LastAttemptAt = cloneStr(a.LastAttemptAt)
		out[i].SupersededAt = cloneStr(a.SupersededAt)
	}
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
