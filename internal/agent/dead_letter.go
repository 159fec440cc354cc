package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/fieldagent/internal/model"
	yamlutil "github.com/msageha/fieldagent/internal/yaml"
)

// DeadLetterArchive stores actions that will never be delivered, one YAML file each.
type DeadLetterArchive struct {
	dir string
}

func NewDeadLetterArchive(dir string) *DeadLetterArchive {
	return &DeadLetterArchive{dir: dir}
}

func (d *DeadLetterArchive) Archive(a model.PendingAction, reason string) (model.DeadLetter, error) {
	id, err := model.GenerateID(model.IDTypeDeadLetter)
	if err != nil {
		return model.DeadLetter{}, err
	}
	now := time.Now().UTC()
	dl := model.DeadLetter{
		SchemaVersion:  model.CurrentSchemaVersion,
		FileType:       model.FileTypeDeadLetter,
		ID:             id,
		Action:         a,
		Reason:         reason,
		DeadLetteredAt: now.Format(model.TimestampLayout),
	}
	name := fmt.Sprintf("%s_%s_%s.yaml", now.Format("20060102T150405Z"), a.ID, id)
	if err := yamlutil.AtomicWrite(filepath.Join(d.dir, name), dl); err != nil {
		return model.DeadLetter{}, fmt.Errorf("archive dead letter %s: %w", a.ID, err)
	}
	return dl, nil
}

// List returns archived dead letters, oldest first. Unreadable files are skipped.
func (d *DeadLetterArchive) List() ([]model.DeadLetter, error) {
	entries, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	var out []model.DeadLetter
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var dl model.DeadLetter
		if err := yamlutil.ReadFile(filepath.Join(d.dir, e.Name()), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt < out[j].DeadLetteredAt })
	return out, nil
}
