package agent

import (
	"sync"
	"time"

	"tapestry/internal/logging"
)

// TelemetryRecord describes one pattern execution's outcome. Records are
// append-only; the live window is trimmed to the most recent N entries.
type TelemetryRecord struct {
	PatternID  string    `json:"pattern_id"`
	AgentUsed  string    `json:"agent_used"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary is the aggregate view consumed by observability tooling.
// SuccessRate is a percentage in [0, 100].
type Summary struct {
	TotalExecutions     int            `json:"total_executions"`
	SuccessRate         float64        `json:"success_rate"`
	AvgDurationMs       float64        `json:"avg_duration_ms"`
	ExecutionsByAgent   map[string]int `json:"executions_by_agent"`
	ExecutionsByPattern map[string]int `json:"executions_by_pattern"`
	LastExecutionTime   time.Time      `json:"last_execution_time"`
}

// telemetryWindow holds the bounded in-memory record list. Appends are
// atomic (append-and-trim under one lock) so concurrent invocations never
// observe a window above its cap.
type telemetryWindow struct {
	mu      sync.Mutex
	cap     int
	records []TelemetryRecord
}

func newTelemetryWindow(cap int) *telemetryWindow {
	return &telemetryWindow{cap: cap}
}

func (w *telemetryWindow) append(rec TelemetryRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.records = append(w.records, rec)
	if len(w.records) > w.cap {
		w.records = w.records[len(w.records)-w.cap:]
	}
}

func (w *telemetryWindow) snapshot() []TelemetryRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]TelemetryRecord(nil), w.records...)
}

// TrackExecution appends a record to the bounded window, and to the archive
// when one is attached.
func (r *Runtime) TrackExecution(rec TelemetryRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.telemetry.append(rec)

	logging.TelemetryDebug("TrackExecution: pattern=%s agent=%s success=%v duration_ms=%d",
		rec.PatternID, rec.AgentUsed, rec.Success, rec.DurationMs)

	r.mu.RLock()
	archive := r.archive
	r.mu.RUnlock()
	if archive != nil {
		if err := archive.Store(rec); err != nil {
			logging.Get(logging.CategoryTelemetry).Warn("TrackExecution: archive store failed: %v", err)
		}
	}
}

// RecentExecutions returns up to n most-recent records, newest last.
func (r *Runtime) RecentExecutions(n int) []TelemetryRecord {
	records := r.telemetry.snapshot()
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records
}

// GetSummary computes aggregates over the current telemetry window.
func (r *Runtime) GetSummary() Summary {
	records := r.telemetry.snapshot()
	return summarize(records)
}

// summarize computes a Summary from a record list. Shared with the archive
// so window and archive summaries agree for identical inputs.
func summarize(records []TelemetryRecord) Summary {
	summary := Summary{
		ExecutionsByAgent:   make(map[string]int),
		ExecutionsByPattern: make(map[string]int),
	}
	if len(records) == 0 {
		return summary
	}

	successes := 0
	var totalDuration int64
	for _, rec := range records {
		summary.TotalExecutions++
		if rec.Success {
			successes++
		}
		totalDuration += rec.DurationMs
		if rec.AgentUsed != "" {
			summary.ExecutionsByAgent[rec.AgentUsed]++
		}
		summary.ExecutionsByPattern[rec.PatternID]++
		if rec.Timestamp.After(summary.LastExecutionTime) {
			summary.LastExecutionTime = rec.Timestamp
		}
	}

	summary.SuccessRate = float64(successes) / float64(len(records)) * 100.0
	summary.AvgDurationMs = float64(totalDuration) / float64(len(records))
	return summary
}
