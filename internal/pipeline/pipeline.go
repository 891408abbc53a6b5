// Package pipeline runs one harvest end to end: harvest the configured roots,
// archive the batches, synchronize the search index and announce the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/archive"
	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/indexsync"
	"github.com/JakeFAU/marmelspade/internal/progress"
)

// Harvester collects batches for a set of roots.
type Harvester interface {
	Harvest(ctx context.Context, runID uuid.UUID, roots []crawler.Root) (crawler.Result, error)
}

// Archiver stores the harvested batches.
type Archiver interface {
	Write(ctx context.Context, runID uuid.UUID, batches []crawler.Batch) (archive.Manifest, error)
}

// Synchronizer rebuilds the search index from batches.
type Synchronizer interface {
	Run(ctx context.Context, batches []crawler.Batch) (indexsync.Report, error)
}

// Publisher sends the completion notice.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator assigns run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls a pipeline run.
type Config struct {
	Roots []crawler.Root
	// Topic receives the completion notice. Empty disables the notice.
	Topic string
	// SkipSync stops after the archive step.
	SkipSync bool
}

// Notice is the completion message published after a successful run.
type Notice struct {
	RunID      uuid.UUID `json:"run_id"`
	Index      string    `json:"index,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Synced     bool      `json:"synced"`
	Documents  int       `json:"documents"`
	Duplicates int       `json:"duplicates"`
	Failures   int       `json:"failures"`
	Manifest   string    `json:"manifest,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Report summarizes a run.
type Report struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Harvest    crawler.Result
	// Manifest is nil when archiving is disabled or failed.
	Manifest *archive.Manifest
	// Sync is nil when the sync step was skipped or never reached.
	Sync     *indexsync.Report
	NoticeID string
}

// Pipeline wires the run steps together.
type Pipeline struct {
	cfg       Config
	harvester Harvester
	archiver  Archiver
	sync      Synchronizer
	publisher Publisher
	emitter   progress.Emitter
	ids       IDGenerator
	clock     Clock
	logger    *zap.Logger
}

// New constructs a Pipeline. archiver, publisher and emitter are optional;
// sync may be nil only when cfg.SkipSync is set.
func New(
	cfg Config,
	harvester Harvester,
	archiver Archiver,
	sync Synchronizer,
	publisher Publisher,
	emitter progress.Emitter,
	ids IDGenerator,
	clock Clock,
	logger *zap.Logger,
) (*Pipeline, error) {
	if harvester == nil {
		return nil, errors.New("harvester is required")
	}
	if sync == nil && !cfg.SkipSync {
		return nil, errors.New("synchronizer is required unless sync is skipped")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if len(cfg.Roots) == 0 {
		return nil, errors.New("at least one root is required")
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		harvester: harvester,
		archiver:  archiver,
		sync:      sync,
		publisher: publisher,
		emitter:   emitter,
		ids:       ids,
		clock:     clock,
		logger:    logger.Named("pipeline"),
	}, nil
}

// Run executes one harvest. Harvest and sync failures fail the run; archive
// and notice failures are logged only.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	runID, err := p.ids.NewRunID()
	if err != nil {
		return Report{}, fmt.Errorf("assign run id: %w", err)
	}
	report := Report{RunID: runID, StartedAt: p.clock.Now()}
	logger := p.logger.With(zap.String("run_id", runID.String()))
	logger.Info("run starting", zap.Int("roots", len(p.cfg.Roots)), zap.Bool("skip_sync", p.cfg.SkipSync))
	p.emit(runID, progress.StageRunStart, 0, 0, "")

	if err := p.run(ctx, runID, &report, logger); err != nil {
		report.FinishedAt = p.clock.Now()
		p.emit(runID, progress.StageRunError, 0, report.FinishedAt.Sub(report.StartedAt), err.Error())
		logger.Error("run failed", zap.Error(err))
		return report, err
	}

	report.FinishedAt = p.clock.Now()
	report.NoticeID = p.notify(ctx, report, logger)
	p.emit(runID, progress.StageRunDone, int64(documents(report)), report.FinishedAt.Sub(report.StartedAt), "")
	logger.Info("run complete",
		zap.Int("documents", documents(report)),
		zap.Int("failures", len(report.Harvest.Failures)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, runID uuid.UUID, report *Report, logger *zap.Logger) error {
	result, err := p.harvester.Harvest(ctx, runID, p.cfg.Roots)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	report.Harvest = result
	logger.Info("harvest complete",
		zap.Int("visited", result.Visited),
		zap.Int("records", result.Records),
		zap.Int("failures", len(result.Failures)),
		zap.Int("malformed_thumbnails", result.MalformedThumbnails),
		zap.Int("duplicates", result.Duplicates.Count),
	)

	if p.archiver != nil {
		manifest, err := p.archiver.Write(ctx, runID, result.Batches)
		if err != nil {
			logger.Warn("archive failed; continuing", zap.Error(err))
		} else {
			report.Manifest = &manifest
		}
	}

	if p.cfg.SkipSync {
		logger.Info("index sync skipped")
		return nil
	}
	syncReport, err := p.sync.Run(ctx, result.Batches)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	report.Sync = &syncReport
	return nil
}

func (p *Pipeline) notify(ctx context.Context, report Report, logger *zap.Logger) string {
	if p.publisher == nil || p.cfg.Topic == "" {
		return ""
	}
	notice := Notice{
		RunID:      report.RunID,
		Documents:  documents(report),
		Duplicates: report.Harvest.Duplicates.Count,
		Failures:   len(report.Harvest.Failures),
		FinishedAt: report.FinishedAt,
	}
	if report.Sync != nil {
		notice.Synced = true
		notice.Index = report.Sync.Index
		notice.Strategy = string(report.Sync.Strategy)
	}
	if report.Manifest != nil {
		notice.Manifest = report.Manifest.URI
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, notice)
	if err != nil {
		logger.Warn("completion notice failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return ""
	}
	logger.Info("completion notice published", zap.String("topic", p.cfg.Topic), zap.String("message_id", id))
	return id
}

func (p *Pipeline) emit(runID uuid.UUID, stage progress.Stage, records int64, dur time.Duration, note string) {
	p.emitter.Emit(progress.Event{
		RunID:   runID,
		TS:      p.clock.Now(),
		Stage:   stage,
		Records: records,
		Dur:     dur,
		Note:    note,
	})
}

// documents is what the run made searchable, or the harvested record count
// when the sync step was skipped.
func documents(r Report) int {
	if r.Sync != nil {
		return r.Sync.Terminal
	}
	return r.Harvest.Records
}
