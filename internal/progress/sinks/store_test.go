package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marmelspade/internal/progress"
	"github.com/JakeFAU/marmelspade/internal/store"
)

// TestStoreSinkPersistsEvents ensures visit deltas are collapsed per root before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.New()
	now := time.Now().UTC()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{RunID: runID, Stage: progress.StageVisitDone, Root: "U-1:Inventory", Path: "Inventory",
			Records: 10, Objects: 7, TS: now.Add(time.Second)},
		{RunID: runID, Stage: progress.StageVisitDone, Root: "U-1:Inventory", Path: `Inventory\A`,
			Records: 4, Objects: 4, TS: now.Add(2 * time.Second)},
		{RunID: runID, Stage: progress.StageVisitError, Root: "U-1:Inventory", Path: `Inventory\B`,
			Note: "status 500", TS: now.Add(3 * time.Second)},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(4 * time.Second), Dur: 4 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runID}, repo.starts)
	require.Len(t, repo.rootStats, 1)
	stats := repo.rootStats[0]
	require.Equal(t, "U-1:Inventory", stats.root)
	require.Equal(t, store.RootDelta{Directories: 2, Failures: 1, Records: 14, Objects: 11}, stats.delta)
	require.Equal(t, now.Add(3*time.Second), stats.at)

	require.Len(t, repo.failures, 1)
	require.Equal(t, `Inventory\B`, repo.failures[0].Path)
	require.Equal(t, "status 500", repo.failures[0].Error)

	require.Equal(t, []string{"start", "failure", "root", "complete"}, repo.calls)
	require.Equal(t, store.RunSuccess, repo.completes[0].status)
}

func TestStoreSinkRecordsRunError(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.New()
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunError, TS: time.Now(), Note: "index sync populate: boom"},
	})
	require.NoError(t, err)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.Equal(t, "index sync populate: boom", *repo.completes[0].msg)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: uuid.New(), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunStart}}))
	require.NoError(t, sink.Close(context.Background()))
}

type rootCall struct {
	runID uuid.UUID
	root  string
	delta store.RootDelta
	at    time.Time
}

type completeCall struct {
	runID  uuid.UUID
	status store.RunStatus
	msg    *string
}

type fakeHistoryRepo struct {
	fail      bool
	calls     []string
	starts    []uuid.UUID
	completes []completeCall
	rootStats []rootCall
	failures  []store.NodeFailure
}

var errRepo = errors.New("repo unavailable")

func (f *fakeHistoryRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "start")
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeHistoryRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "complete")
	f.completes = append(f.completes, completeCall{runID: runID, status: status, msg: errMsg})
	return nil
}

func (f *fakeHistoryRepo) UpsertRootStats(
	_ context.Context,
	runID uuid.UUID,
	root string,
	delta store.RootDelta,
	at time.Time,
) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "root")
	f.rootStats = append(f.rootStats, rootCall{runID: runID, root: root, delta: delta, at: at})
	return nil
}

func (f *fakeHistoryRepo) RecordNodeFailure(_ context.Context, failure store.NodeFailure) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "failure")
	f.failures = append(f.failures, failure)
	return nil
}

func (f *fakeHistoryRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeHistoryRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, nil
}

func (f *fakeHistoryRepo) ListRunRoots(context.Context, uuid.UUID, int, int) ([]store.RootStats, error) {
	return nil, nil
}

func (f *fakeHistoryRepo) ListRunFailures(context.Context, uuid.UUID, int, int) ([]store.NodeFailure, error) {
	return nil, nil
}
