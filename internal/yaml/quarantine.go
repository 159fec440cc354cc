package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupt file into <agentDir>/quarantine so it can be inspected later.
func Quarantine(agentDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(agentDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// GenerateSkeleton writes an empty, schema-valid document for fileType.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeletonForType(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// RecoveryOutcome says how a corrupt file was replaced.
type RecoveryOutcome string

const (
	RecoveredFromBackup RecoveryOutcome = "backup"
	RecoveredSkeleton   RecoveryOutcome = "skeleton"
)

// RecoverCorruptedFile quarantines filePath, then restores the .bak copy or falls back to an empty skeleton.
func RecoverCorruptedFile(agentDir, filePath, fileType string) (RecoveryOutcome, error) {
	if _, err := Quarantine(agentDir, filePath); err != nil {
		return "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err == nil {
		return RecoveredFromBackup, nil
	}
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return "", fmt.Errorf("skeleton generation failed: %w", err)
	}
	return RecoveredSkeleton, nil
}

func skeletonForType(fileType string) any {
	switch fileType {
	case "queue_pending_action":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
			"actions":        []any{},
		}
	case "state_notifications":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
			"has_new":        false,
			"notifications":  []any{},
		}
	case "state_hidden_reports":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
			"report_ids":     []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
