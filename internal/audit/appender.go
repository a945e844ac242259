// Package audit records lock lifecycle events in a hash-chained JSONL file.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ModeShape/modeshape-sub003/pkg/jsonutil"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// FileAppender appends audit records to a JSONL file with hash chain.
// A nil *FileAppender is valid and records nothing.
type FileAppender struct {
	path string
	mu   sync.Mutex
}

// NewFileAppender creates a new FileAppender. An empty path disables auditing.
func NewFileAppender(path string) *FileAppender {
	if path == "" {
		return nil
	}
	return &FileAppender{path: path}
}

// Path returns the audit file location.
func (a *FileAppender) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Append adds a new audit record to the log.
func (a *FileAppender) Append(eventType model.AuditEventType, workspace, lockID string, details map[string]any) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock audit log: %w", err)
	}
	defer unlockFile(file)

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	record := &model.AuditRecord{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Workspace: workspace,
		LockID:    lockID,
		Details:   details,
		PrevHash:  prevHash,
	}
	record.RecordHash, err = computeRecordHash(record)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	return nil
}

// GetLastRecordHash returns the hash of the last record in the log.
func (a *FileAppender) GetLastRecordHash() (model.HashValue, error) {
	if a == nil {
		return "", nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	return lastRecordHash(file)
}

// Verify walks the log and checks every record hash and chain link.
// It returns the number of records verified.
func Verify(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var prev model.HashValue
	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		n++
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return n, fmt.Errorf("record %d: malformed: %w", n, err)
		}
		if record.PrevHash != prev {
			return n, fmt.Errorf("record %d: chain broken: prev_hash %s, want %s", n, record.PrevHash, prev)
		}
		want, err := computeRecordHash(&record)
		if err != nil {
			return n, fmt.Errorf("record %d: %w", n, err)
		}
		if record.RecordHash != want {
			return n, fmt.Errorf("record %d: record_hash mismatch", n)
		}
		prev = record.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan audit log: %w", err)
	}
	return n, nil
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}

	var lastHash model.HashValue
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		lastHash = record.RecordHash
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}

	return lastHash, nil
}

func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""

	data, err := jsonutil.CanonicalMarshal(&hashRecord)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}

	hash := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}
