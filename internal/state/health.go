package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"calbridge/internal/fsutil"
)

// Health is the record of the most recent run, read by `calbridge status`
// and the status server.
type Health struct {
	Status              string    `json:"status"` // "healthy" or "failing"
	RunID               string    `json:"run_id"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	DurationSeconds     float64   `json:"duration_seconds"`
	Created             int       `json:"created"`
	Updated             int       `json:"updated"`
	Skipped             int       `json:"skipped"`
	Deleted             int       `json:"deleted"`
	Failed              int       `json:"failed"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_successful_sync,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

const (
	HealthHealthy = "healthy"
	HealthFailing = "failing"
)

// LoadHealth reads the record at path. A missing file yields a zero record
// and no error.
func LoadHealth(path string) (Health, error) {
	var h Health
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return h, nil
		}
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return Health{}, fmt.Errorf("parse health %s: %w", path, err)
	}
	return h, nil
}

// RecordRun folds the outcome of one run into the record at path. runErr is
// the run's fatal error, if any; failed counts per-operation failures.
func RecordRun(path string, next Health, runErr error) (Health, error) {
	prev, err := LoadHealth(path)
	if err != nil {
		prev = Health{}
	}

	next.LastSuccess = prev.LastSuccess
	if runErr == nil && next.Failed == 0 {
		next.Status = HealthHealthy
		next.LastSuccess = next.FinishedAt
		next.ConsecutiveFailures = 0
	} else {
		next.Status = HealthFailing
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		if runErr != nil {
			next.LastError = runErr.Error()
		} else {
			next.LastError = fmt.Sprintf("%d operations failed", next.Failed)
		}
	}
	if !next.FinishedAt.IsZero() && !next.StartedAt.IsZero() {
		next.DurationSeconds = next.FinishedAt.Sub(next.StartedAt).Seconds()
	}

	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return next, err
	}
	return next, fsutil.WriteFileAtomic(path, data, 0o600)
}
