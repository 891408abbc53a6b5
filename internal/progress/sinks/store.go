package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/progress"
	"github.com/JakeFAU/marmelspade/internal/store"
)

// StoreSink persists progress via a store.HistoryRepository. It collapses
// per-root counters within a batch to reduce write amplification.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes run transitions immediately and root deltas once per batch.
// Root deltas for a run are flushed before that run's completion is written.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var order []statsKey

	flush := func() error {
		for _, key := range order {
			delta := stats[key]
			if delta.RootDelta.IsZero() {
				continue
			}
			if err := s.repo.UpsertRootStats(ctx, key.runID, key.root, delta.RootDelta, delta.at); err != nil {
				return fmt.Errorf("upsert root stats: %w", err)
			}
		}
		clear(stats)
		order = order[:0]
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			if err := flush(); err != nil {
				return err
			}
			if err := s.completeRun(ctx, evt); err != nil {
				return err
			}
		case progress.StageVisitDone, progress.StageVisitError:
			key := statsKey{runID: evt.RunID, root: evt.Root}
			delta, ok := stats[key]
			if !ok {
				delta = &statsDelta{}
				stats[key] = delta
				order = append(order, key)
			}
			delta.add(evt)
			if evt.Stage == progress.StageVisitError {
				if err := s.repo.RecordNodeFailure(ctx, store.NodeFailure{
					RunID: evt.RunID,
					Root:  evt.Root,
					Path:  evt.Path,
					Error: evt.Note,
					At:    evt.TS,
				}); err != nil {
					return fmt.Errorf("record node failure: %w", err)
				}
			}
		}
	}
	return flush()
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID uuid.UUID
	root  string
}

type statsDelta struct {
	store.RootDelta
	at time.Time
}

func (d *statsDelta) add(evt progress.Event) {
	if evt.Stage == progress.StageVisitError {
		d.Failures++
	} else {
		d.Directories++
		d.Records += evt.Records
		d.Objects += evt.Objects
	}
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
