package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunSuccess, RunError:
		return RunStatus(s), nil
	}
	return "", errors.New("invalid run status")
}

// Run models one pipeline execution.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// RootStats aggregates progress for one root within a run.
type RootStats struct {
	RunID      uuid.UUID
	Root       string
	LastUpdate time.Time
	// Directories counts harvested directory listings.
	Directories int64
	// Failures counts directories that could not be listed.
	Failures int64
	Records  int64
	Objects  int64
}

// RootDelta is an increment applied to RootStats.
type RootDelta struct {
	Directories int64
	Failures    int64
	Records     int64
	Objects     int64
}

// IsZero reports whether the delta changes nothing.
func (d RootDelta) IsZero() bool {
	return d == RootDelta{}
}

// NodeFailure is a directory that was skipped during a run.
type NodeFailure struct {
	RunID uuid.UUID
	Root  string
	Path  string
	Error string
	At    time.Time
}

// HistoryRepository persists harvest run history.
type HistoryRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running run.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertRootStats applies delta to the (run, root) aggregate.
	UpsertRootStats(ctx context.Context, runID uuid.UUID, root string, delta RootDelta, at time.Time) error
	// RecordNodeFailure appends a skipped directory.
	RecordNodeFailure(ctx context.Context, failure NodeFailure) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunRoots returns per-root aggregates for one run.
	ListRunRoots(ctx context.Context, runID uuid.UUID, limit, offset int) ([]RootStats, error)
	// ListRunFailures returns skipped directories for one run.
	ListRunFailures(ctx context.Context, runID uuid.UUID, limit, offset int) ([]NodeFailure, error)
}
