package yaml

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSchemaHeader_Valid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.yaml")

	content := []byte("schema_version: 1\nfile_type: queue_pending_action\nactions: []\n")
	os.WriteFile(path, content, 0644)

	if err := ValidateSchemaHeader(path, "queue_pending_action"); err != nil {
		t.Errorf("expected valid, got error: %v", err)
	}
}

func TestValidateSchemaHeader_AllFileTypes(t *testing.T) {
	fileTypes := []string{
		"queue_pending_action", "state_notifications", "state_hidden_reports",
		"dead_letter_action", "inbox_action",
	}
	for _, ft := range fileTypes {
		t.Run(ft, func(t *testing.T) {
			content := []byte("schema_version: 1\nfile_type: " + ft + "\n")
			if err := ValidateSchemaHeaderFromBytes(content, ft); err != nil {
				t.Errorf("expected valid for %q, got error: %v", ft, err)
			}
		})
	}
}

func TestValidateSchemaHeader_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"unsupported version", "schema_version: 99\nfile_type: queue_pending_action\n", "queue_pending_action"},
		{"negative version", "schema_version: -1\nfile_type: queue_pending_action\n", "queue_pending_action"},
		{"missing version", "file_type: queue_pending_action\n", "queue_pending_action"},
		{"missing file type", "schema_version: 1\n", "queue_pending_action"},
		{"unknown file type", "schema_version: 1\nfile_type: queue_command\n", "queue_command"},
		{"mismatch", "schema_version: 1\nfile_type: state_notifications\n", "queue_pending_action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateSchemaHeader_EmptyExpectedType(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: inbox_action\n")
	if err := ValidateSchemaHeaderFromBytes(content, ""); err != nil {
		t.Errorf("expected valid when no expected type specified, got: %v", err)
	}
}
