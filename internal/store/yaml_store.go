package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/msageha/fieldagent/internal/lock"
	"github.com/msageha/fieldagent/internal/model"
	yamlutil "github.com/msageha/fieldagent/internal/yaml"
)

const (
	pendingFile       = "pending.yaml"
	notificationsFile = "notifications.yaml"
	hiddenFile        = "hidden.yaml"
)

// YAMLStore keeps one atomically-written YAML document per concern.
type YAMLStore struct {
	agentDir string
	dir      string
	locks    *lock.MutexMap
}

func NewYAMLStore(agentDir, dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &YAMLStore{agentDir: agentDir, dir: dir, locks: lock.NewMutexMap()}, nil
}

func (s *YAMLStore) LoadPending(_ context.Context) ([]model.PendingAction, error) {
	var q model.PendingQueue
	if err := s.read(pendingFile, model.FileTypePendingQueue, &q); err != nil {
		return nil, err
	}
	if q.Actions == nil {
		return []model.PendingAction{}, nil
	}
	return q.Actions, nil
}

func (s *YAMLStore) SavePending(_ context.Context, actions []model.PendingAction) error {
	return s.write(pendingFile, model.NewPendingQueue(clonePending(actions)))
}

func (s *YAMLStore) LoadNotifications(_ context.Context) (model.NotificationLog, error) {
	nl := model.NewNotificationLog()
	if err := s.read(notificationsFile, model.FileTypeNotifications, &nl); err != nil {
		return model.NotificationLog{}, err
	}
	if nl.Notifications == nil {
		nl.Notifications = []model.Notification{}
	}
	return nl, nil
}

func (s *YAMLStore) SaveNotifications(_ context.Context, nl model.NotificationLog) error {
	nl.SchemaVersion = model.CurrentSchemaVersion
	nl.FileType = model.FileTypeNotifications
	return s.write(notificationsFile, nl)
}

func (s *YAMLStore) LoadHidden(_ context.Context) ([]string, error) {
	var h model.HiddenReports
	if err := s.read(hiddenFile, model.FileTypeHiddenReports, &h); err != nil {
		return nil, err
	}
	if h.ReportIDs == nil {
		return []string{}, nil
	}
	return h.ReportIDs, nil
}

func (s *YAMLStore) SaveHidden(_ context.Context, reportIDs []string) error {
	return s.write(hiddenFile, model.NewHiddenReports(append([]string(nil), reportIDs...)))
}

func (s *YAMLStore) Close() error { return nil }

// read loads name into v. A missing file leaves v untouched; a corrupt one is
// quarantined and replaced from .bak (or an empty skeleton) before re-reading.
func (s *YAMLStore) read(name, fileType string, v any) error {
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	path := filepath.Join(s.dir, name)
	err := yamlutil.ReadFile(path, v)
	switch {
	case err == nil:
		return nil
	case yamlutil.IsNotExist(err):
		return nil
	case yamlutil.IsCorrupt(err):
		outcome, rerr := yamlutil.RecoverCorruptedFile(s.agentDir, path, fileType)
		if rerr != nil {
			return fmt.Errorf("recover %s: %w", name, rerr)
		}
		log.Printf("store: recovered corrupt %s from %s", name, outcome)
		if err := yamlutil.ReadFile(path, v); err != nil {
			return fmt.Errorf("read recovered %s: %w", name, err)
		}
		return nil
	default:
		return fmt.Errorf("read %s: %w", name, err)
	}
}

func (s *YAMLStore) write(name string, v any) error {
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	if err := yamlutil.AtomicWrite(filepath.Join(s.dir, name), v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
