package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxAuditSize = 16 * 1024 * 1024
	ArchiveDir          = "archive"
)

type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeQueued       Outcome = "queued"
	OutcomeRetryPending Outcome = "retry_pending"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeSuperseded   Outcome = "superseded"
	OutcomeRejected     Outcome = "rejected"
)

// AuditEntry records one delivery decision for a responder action.
type AuditEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Outcome        Outcome   `json:"outcome"`
	ActionID       string    `json:"action_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ReportID       string    `json:"report_id"`
	Action         string    `json:"action"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
}

// AuditLog is an append-only JSONL file with size-based rotation.
type AuditLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func NewAuditLog(path string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &AuditLog{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = st.Size()
	return nil
}

func (l *AuditLog) Record(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Checksum = ""
	entry.Checksum = checksum(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	archiveDir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return err
	}
	l.rotations++
	base := filepath.Base(l.path)
	name := fmt.Sprintf("%s.%s.%d", base, time.Now().Format("20060102_150405"), l.rotations)
	if err := os.Rename(l.path, filepath.Join(archiveDir, name)); err != nil {
		return err
	}
	return l.open()
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func checksum(entry AuditEntry) string {
	entry.Checksum = ""
	data, _ := json.Marshal(entry)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// ReadAudit returns every entry in path along with the number whose checksum did not verify.
func ReadAudit(path string) ([]AuditEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var entries []AuditEntry
	invalid := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			invalid++
			continue
		}
		if e.Checksum != checksum(e) {
			invalid++
		}
		entries = append(entries, e)
	}
	return entries, invalid, sc.Err()
}
