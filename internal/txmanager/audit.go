package txmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEntry is one append-only audit record. Every transaction produces a
// BEGIN entry, one OPERATION entry per operation, and a COMMIT or ROLLBACK
// entry.
type AuditEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	TransactionID uuid.UUID              `json:"transaction_id"`
	Actor         string                 `json:"actor"`
	Event         string                 `json:"event"`
	Sequence      int                    `json:"sequence,omitempty"`
	TableName     string                 `json:"table_name,omitempty"`
	EntityID      string                 `json:"entity_id,omitempty"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
}

// Audit entry events.
const (
	AuditBegin     = "BEGIN"
	AuditOperation = "OPERATION"
	AuditCommit    = "COMMIT"
	AuditRollback  = "ROLLBACK"
)

// AuditLogger records audit entries. Implementations must tolerate
// concurrent callers.
type AuditLogger interface {
	Record(entry AuditEntry)
	Close() error
}

// FileAuditLogger appends JSONL audit entries to a file through a buffered
// channel so transaction execution never blocks on disk, and mirrors each
// entry to the structured log.
type FileAuditLogger struct {
	logger   *zap.Logger
	file     *os.File
	mu       sync.Mutex
	logChan  chan AuditEntry
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFileAuditLogger opens (or creates) the audit file at path. An empty
// path logs to the structured logger only.
func NewFileAuditLogger(path string, logger *zap.Logger) (*FileAuditLogger, error) {
	al := &FileAuditLogger{
		logger:   logger.Named("audit"),
		logChan:  make(chan AuditEntry, 1000),
		stopChan: make(chan struct{}),
	}
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		al.file = file
	}
	al.wg.Add(1)
	go al.process()
	return al, nil
}

// Record enqueues an entry. A full channel drops the entry with a warning
// rather than stalling the transaction path; the persisted Operation rows
// remain the authoritative trail.
func (al *FileAuditLogger) Record(entry AuditEntry) {
	select {
	case al.logChan <- entry:
	case <-al.stopChan:
	default:
		al.logger.Warn("audit log channel full, dropping entry",
			zap.String("txn_id", entry.TransactionID.String()),
			zap.String("event", entry.Event))
	}
}

func (al *FileAuditLogger) process() {
	defer al.wg.Done()
	for {
		select {
		case entry := <-al.logChan:
			al.write(entry)
		case <-al.stopChan:
			for {
				select {
				case entry := <-al.logChan:
					al.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (al *FileAuditLogger) write(entry AuditEntry) {
	fields := []zap.Field{
		zap.String("transaction_id", entry.TransactionID.String()),
		zap.String("event", entry.Event),
		zap.String("actor", entry.Actor),
	}
	if entry.TableName != "" {
		fields = append(fields,
			zap.Int("sequence", entry.Sequence),
			zap.String("table", entry.TableName),
			zap.String("entity_id", entry.EntityID))
	}
	if entry.Detail != nil {
		fields = append(fields, zap.Any("detail", entry.Detail))
	}
	al.logger.Info("transaction audit", fields...)

	if al.file == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	jsonData, err := json.Marshal(entry)
	if err != nil {
		al.logger.Error("failed to marshal audit entry", zap.Error(err))
		return
	}
	if _, err := al.file.Write(append(jsonData, '\n')); err != nil {
		al.logger.Error("failed to write audit entry", zap.Error(err))
	}
}

// Close drains pending entries and closes the file.
func (al *FileAuditLogger) Close() error {
	close(al.stopChan)
	al.wg.Wait()
	if al.file != nil {
		return al.file.Close()
	}
	return nil
}

// MemoryAuditLogger keeps entries in memory. Used by tests and by the
// coordinator view when inspecting recent audit activity.
type MemoryAuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (al *MemoryAuditLogger) Record(entry AuditEntry) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.entries = append(al.entries, entry)
}

func (al *MemoryAuditLogger) Close() error { return nil }

// Entries returns a copy of all recorded entries.
func (al *MemoryAuditLogger) Entries() []AuditEntry {
	al.mu.Lock()
	defer al.mu.Unlock()
	return append([]AuditEntry(nil), al.entries...)
}

// EntriesFor returns the entries of one transaction, filtered by event.
func (al *MemoryAuditLogger) EntriesFor(txID uuid.UUID, event string) []AuditEntry {
	al.mu.Lock()
	defer al.mu.Unlock()
	var out []AuditEntry
	for _, e := range al.entries {
		if e.TransactionID == txID && (event == "" || e.Event == event) {
			out = append(out, e)
		}
	}
	return out
}
