package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/fieldagent/internal/model"
	yamlutil "github.com/msageha/fieldagent/internal/yaml"
)

// InboxDirName holds intents written by the CLI while the daemon is down.
const InboxDirName = "inbox"

// Inbox is the file drop used when no daemon is listening on the socket.
// Each intent is one atomically written YAML file named after the action ID.
type Inbox struct {
	agentDir string
	dir      string
}

func NewInbox(agentDir string) *Inbox {
	return &Inbox{agentDir: agentDir, dir: filepath.Join(agentDir, InboxDirName)}
}

func (in *Inbox) Dir() string { return in.dir }

// Drop writes a for later ingestion by the daemon.
func (in *Inbox) Drop(a model.PendingAction) (string, error) {
	if !model.ValidateID(a.ID) {
		return "", fmt.Errorf("%w: invalid action id %q", ErrInvalidAction, a.ID)
	}
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	path := filepath.Join(in.dir, a.ID+".yaml")
	doc := model.InboxAction{
		SchemaVersion: model.CurrentSchemaVersion,
		FileType:      model.FileTypeInboxAction,
		Action:        a,
	}
	if err := yamlutil.AtomicWrite(path, doc); err != nil {
		return "", fmt.Errorf("write inbox entry: %w", err)
	}
	return path, nil
}

// Pending lists inbox files in name order, which is creation order for generated IDs.
func (in *Inbox) Pending() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		paths = append(paths, filepath.Join(in.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

func (in *Inbox) Read(path string) (model.PendingAction, error) {
	if err := yamlutil.ValidateSchemaHeader(path, model.FileTypeInboxAction); err != nil {
		return model.PendingAction{}, err
	}
	var doc model.InboxAction
	if err := yamlutil.ReadFile(path, &doc); err != nil {
		return model.PendingAction{}, err
	}
	a := doc.Action
	switch {
	case !model.ValidateID(a.ID):
		return a, fmt.Errorf("%w: invalid action id %q", ErrInvalidAction, a.ID)
	case a.ReportID == "":
		return a, fmt.Errorf("%w: missing report id", ErrInvalidAction)
	case !a.Action.Valid():
		return a, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Action)
	case !model.ValidIdempotencyKey(a.IdempotencyKey):
		return a, fmt.Errorf("%w: invalid idempotency key", ErrInvalidAction)
	}
	return a, nil
}

func (in *Inbox) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove inbox entry: %w", err)
	}
	return nil
}

// Quarantine moves an unreadable entry out of the inbox so it is not retried.
func (in *Inbox) Quarantine(path string) (string, error) {
	return yamlutil.Quarantine(in.agentDir, path)
}
