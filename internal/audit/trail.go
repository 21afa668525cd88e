package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// Options configure trail persistence.
type Options struct {
	// FilePath is the JSONL file entries are appended to. Empty disables
	// persistence and keeps the trail in memory only.
	FilePath string
	// LoadDays bounds how far back persisted entries are loaded on start.
	LoadDays int
}

// Trail is the append-only audit log. Entries are never mutated or deleted;
// all read paths are pure filters.
type Trail struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries []*models.AuditLog
	file    *os.File
}

// NewTrail opens (and if needed creates) the audit file and loads recent
// entries back into memory.
func NewTrail(opts Options, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trail{logger: logger, now: time.Now}

	if opts.FilePath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if err := t.loadFile(opts.FilePath, opts.LoadDays); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	t.file = file
	return t, nil
}

func (t *Trail) loadFile(path string, loadDays int) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var cutoff time.Time
	if loadDays > 0 {
		cutoff = t.now().AddDate(0, 0, -loadDays)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	loaded, skipped := 0, 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.AuditLog
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		if !cutoff.IsZero() && entry.Timestamp.Before(cutoff) {
			continue
		}
		t.entries = append(t.entries, &entry)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	if skipped > 0 {
		t.logger.Warn("skipped malformed audit lines", "count", skipped)
	}
	t.logger.Info("audit trail loaded", "entries", loaded)
	return nil
}

// Add appends one entry, assigning id and timestamp when absent, and flushes
// it to the JSONL file if persistence is enabled.
func (t *Trail) Add(entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = models.NewAuditID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)

	if t.file == nil {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Len reports the number of in-memory entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ByPlan returns entries for one plan in insertion order.
func (t *Trail) ByPlan(planID string) []*models.AuditLog {
	return t.filter(func(e *models.AuditLog) bool { return e.PlanID == planID })
}

// ByAnomaly returns entries for one anomaly in insertion order.
func (t *Trail) ByAnomaly(anomalyID string) []*models.AuditLog {
	return t.filter(func(e *models.AuditLog) bool { return e.AnomalyID == anomalyID })
}

// ByActor returns entries recorded for one actor id.
func (t *Trail) ByActor(actorID string) []*models.AuditLog {
	return t.filter(func(e *models.AuditLog) bool { return e.ActorID == actorID })
}

// Recent returns the most recent n entries, newest first, optionally filtered
// by action type.
func (t *Trail) Recent(n int, actionType string) []*models.AuditLog {
	matched := t.filter(func(e *models.AuditLog) bool {
		return actionType == "" || e.ActionType == actionType
	})
	// Newest last in storage order; reverse and trim.
	out := make([]*models.AuditLog, 0, n)
	for i := len(matched) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, matched[i])
	}
	return out
}

// Failures returns the most recent n failed entries, newest first.
func (t *Trail) Failures(n int) []*models.AuditLog {
	failed := t.filter(func(e *models.AuditLog) bool {
		return e.Status == string(models.StatusFailed)
	})
	out := make([]*models.AuditLog, 0, n)
	for i := len(failed) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, failed[i])
	}
	return out
}

func (t *Trail) filter(keep func(*models.AuditLog) bool) []*models.AuditLog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	matched := make([]*models.AuditLog, 0)
	for _, e := range t.entries {
		if keep(e) {
			matched = append(matched, e)
		}
	}
	return matched
}

// Close flushes and closes the audit file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
