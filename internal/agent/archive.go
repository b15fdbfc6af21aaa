package agent

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tapestry/internal/logging"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// TelemetryArchive persists every telemetry record to SQLite so history
// survives beyond the bounded in-memory window. The window stays the
// authoritative source for GetSummary; the archive answers historical
// queries.
type TelemetryArchive struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewTelemetryArchive opens (or creates) the archive database at path.
func NewTelemetryArchive(path string) (*TelemetryArchive, error) {
	timer := logging.StartTimer(logging.CategoryTelemetry, "NewTelemetryArchive")
	defer timer.Stop()

	logging.Telemetry("Initializing telemetry archive at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryTelemetry).Error("Failed to open archive at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.TelemetryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.TelemetryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	a := &TelemetryArchive{db: db, dbPath: path}
	if err := a.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}

	return a, nil
}

func (a *TelemetryArchive) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		pattern_id TEXT NOT NULL,
		agent_used TEXT,
		success BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_message TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_pattern ON execution_records(pattern_id);
	CREATE INDEX IF NOT EXISTS idx_records_agent ON execution_records(agent_used);
	CREATE INDEX IF NOT EXISTS idx_records_success ON execution_records(success);
	CREATE INDEX IF NOT EXISTS idx_records_created ON execution_records(created_at);
	`

	_, err := a.db.Exec(schema)
	return err
}

// Store appends a telemetry record to the archive.
func (a *TelemetryArchive) Store(rec TelemetryRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.Exec(`
		INSERT INTO execution_records
		(id, pattern_id, agent_used, success, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.PatternID, rec.AgentUsed, rec.Success,
		rec.DurationMs, rec.Error, rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

// Recent returns up to n most-recent records, newest first.
func (a *TelemetryArchive) Recent(n int) ([]TelemetryRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT pattern_id, agent_used, success, duration_ms, error_message, created_at
		FROM execution_records ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var rec TelemetryRecord
		var errMsg sql.NullString
		var created string
		if err := rows.Scan(&rec.PatternID, &rec.AgentUsed, &rec.Success, &rec.DurationMs, &errMsg, &created); err != nil {
			logging.Get(logging.CategoryTelemetry).Warn("Recent: row scan failed: %v", err)
			continue
		}
		rec.Error = errMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Timestamp = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SummarySince computes aggregates over all archived records at or after t.
func (a *TelemetryArchive) SummarySince(t time.Time) (Summary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT pattern_id, agent_used, success, duration_ms, error_message, created_at
		FROM execution_records WHERE created_at >= ? ORDER BY created_at`,
		t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var rec TelemetryRecord
		var errMsg sql.NullString
		var created string
		if err := rows.Scan(&rec.PatternID, &rec.AgentUsed, &rec.Success, &rec.DurationMs, &errMsg, &created); err != nil {
			continue
		}
		rec.Error = errMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Timestamp = ts
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}
	return summarize(records), nil
}

// Count returns the total number of archived records.
func (a *TelemetryArchive) Count() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM execution_records`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (a *TelemetryArchive) Close() error {
	return a.db.Close()
}
