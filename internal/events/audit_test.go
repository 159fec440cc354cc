package events

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_RecordAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "delivery.jsonl")
	al, err := NewAuditLog(path, 0)
	require.NoError(t, err)

	require.NoError(t, al.Record(AuditEntry{Outcome: OutcomeQueued, ActionID: "act_1", ReportID: "r1", Action: "on_the_way"}))
	require.NoError(t, al.Record(AuditEntry{Outcome: OutcomeDelivered, ActionID: "act_1", ReportID: "r1", Action: "on_the_way", Attempts: 2}))
	require.NoError(t, al.Close())

	entries, invalid, err := ReadAudit(path)
	require.NoError(t, err)
	assert.Equal(t, 0, invalid)
	require.Len(t, entries, 2)
	assert.Equal(t, OutcomeQueued, entries[0].Outcome)
	assert.Equal(t, OutcomeDelivered, entries[1].Outcome)
	assert.Equal(t, 2, entries[1].Attempts)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestAuditLog_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	al, err := NewAuditLog(path, 0)
	require.NoError(t, err)
	require.NoError(t, al.Record(AuditEntry{Outcome: OutcomeDelivered, ReportID: "r1", Action: "declined"}))
	require.NoError(t, al.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), `"declined"`, `"responded"`, 1))
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	_, invalid, err := ReadAudit(path)
	require.NoError(t, err)
	assert.Equal(t, 1, invalid)
}

func TestAuditLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delivery.jsonl")
	al, err := NewAuditLog(path, 300)
	require.NoError(t, err)
	defer al.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, al.Record(AuditEntry{Outcome: OutcomeQueued, ReportID: "r1", Action: "arrived"}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}

func TestAuditLog_ConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delivery.jsonl")
	al, err := NewAuditLog(path, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = al.Record(AuditEntry{Outcome: OutcomeDelivered, ReportID: "r", Action: "arrived"})
		}()
	}
	wg.Wait()
	require.NoError(t, al.Close())

	entries, invalid, err := ReadAudit(path)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	assert.Equal(t, 0, invalid)
}

func TestAuditLog_RecordAfterClose(t *testing.T) {
	al, err := NewAuditLog(filepath.Join(t.TempDir(), "delivery.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, al.Close())
	assert.Error(t, al.Record(AuditEntry{Outcome: OutcomeQueued}))
	assert.NoError(t, al.Close())
}
