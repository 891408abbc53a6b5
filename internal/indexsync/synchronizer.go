package indexsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
	"github.com/JakeFAU/marmelspade/internal/metrics"
)

// Synchronizer rebuilds one index through an engine.Admin.
type Synchronizer struct {
	cfg    Config
	admin  engine.Admin
	keys   KeyStore
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New wires a Synchronizer. keys may be nil only for callers that never
// rotate; Run and RotateKeys fail with ErrNoKeyStore before revoking anything.
func New(cfg Config, admin engine.Admin, keys KeyStore, logger *zap.Logger) (*Synchronizer, error) {
	if admin == nil {
		return nil, errors.New("engine admin is required")
	}
	if cfg.Index == "" {
		return nil, errors.New("index name is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySwap
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.StagingSuffix == "" {
		cfg.StagingSuffix = DefaultStagingSuffix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		cfg:    cfg,
		admin:  admin,
		keys:   keys,
		logger: logger.Named("indexsync").With(zap.String("index", cfg.Index)),
		sleep:  sleepCtx,
	}, nil
}

// StagingIndex is the index built by the swap strategy.
func (s *Synchronizer) StagingIndex() string {
	return s.cfg.Index + s.cfg.StagingSuffix
}

// Run rebuilds the index from batches. Batches are added in the order given.
func (s *Synchronizer) Run(ctx context.Context, batches []crawler.Batch) (Report, error) {
	start := time.Now()
	target := s.cfg.Index
	if s.cfg.Strategy == StrategySwap {
		target = s.StagingIndex()
	}
	report := Report{Index: s.cfg.Index, Target: target, Strategy: s.cfg.Strategy}
	logger := s.logger.With(zap.String("target", target), zap.String("strategy", string(s.cfg.Strategy)))
	logger.Info("index sync starting", zap.Int("batches", len(batches)))

	err := s.run(ctx, target, batches, &report, logger)
	report.Duration = time.Since(start)
	if err != nil {
		metrics.ObserveSyncRun(string(s.cfg.Strategy), "error")
		logger.Error("index sync failed", zap.Error(err))
		return report, err
	}
	metrics.ObserveSyncRun(string(s.cfg.Strategy), "ok")
	logger.Info("index sync complete",
		zap.Int("documents", report.Documents),
		zap.Int("bookkeeping", report.Bookkeeping),
		zap.Int("terminal", report.Terminal),
		zap.Int64("indexed", report.IndexedDocuments),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *Synchronizer) run(
	ctx context.Context,
	target string,
	batches []crawler.Batch,
	report *Report,
	logger *zap.Logger,
) error {
	if err := s.phase(ctx, PhaseProvision, logger, func(ctx context.Context) error {
		return s.provision(ctx, target)
	}); err != nil {
		return err
	}

	if err := s.phase(ctx, PhaseRotate, logger, func(ctx context.Context) error {
		key, err := s.RotateKeys(ctx)
		report.KeyUID = key.UID
		return err
	}); err != nil {
		return err
	}

	var tasks []engine.TaskID
	if err := s.phase(ctx, PhasePopulate, logger, func(ctx context.Context) error {
		var err error
		tasks, err = s.populate(ctx, target, batches, report)
		return err
	}); err != nil {
		return err
	}

	if err := s.phase(ctx, PhaseSettle, logger, func(ctx context.Context) error {
		return s.settle(ctx, tasks)
	}); err != nil {
		return err
	}

	if err := s.phase(ctx, PhasePrune, logger, func(ctx context.Context) error {
		return s.prune(ctx, target)
	}); err != nil {
		return err
	}

	if s.cfg.Strategy == StrategySwap {
		if err := s.phase(ctx, PhasePromote, logger, func(ctx context.Context) error {
			return s.promote(ctx, target, logger)
		}); err != nil {
			return err
		}
	}

	stats, err := s.admin.Stats(ctx, s.cfg.Index)
	if err != nil {
		logger.Warn("index stats unavailable", zap.Error(err))
		return nil
	}
	report.IndexedDocuments = stats.Documents
	metrics.SetIndexedDocuments(s.cfg.Index, stats.Documents)
	return nil
}

func (s *Synchronizer) phase(
	ctx context.Context,
	p Phase,
	logger *zap.Logger,
	fn func(context.Context) error,
) error {
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)
	metrics.ObserveSyncPhase(string(p), dur)
	if err != nil {
		return &PhaseError{Phase: p, Err: err}
	}
	logger.Info("index sync phase done", zap.String("phase", string(p)), zap.Duration("duration", dur))
	return nil
}

// provision destroys uid if present and recreates it with the fixed settings.
func (s *Synchronizer) provision(ctx context.Context, uid string) error {
	exists, err := s.admin.IndexExists(ctx, uid)
	if err != nil {
		return err
	}
	if exists {
		if err := s.await(ctx, "delete index", func() (engine.TaskID, error) {
			return s.admin.DeleteIndex(ctx, uid)
		}); err != nil {
			return err
		}
	}
	return s.configure(ctx, uid)
}

func (s *Synchronizer) configure(ctx context.Context, uid string) error {
	steps := []struct {
		name string
		fn   func() (engine.TaskID, error)
	}{
		{"create index", func() (engine.TaskID, error) { return s.admin.CreateIndex(ctx, uid, PrimaryKey) }},
		{"filterable attributes", func() (engine.TaskID, error) {
			return s.admin.UpdateFilterableAttributes(ctx, uid, FilterableAttributes)
		}},
		{"sortable attributes", func() (engine.TaskID, error) {
			return s.admin.UpdateSortableAttributes(ctx, uid, SortableAttributes)
		}},
	}
	for _, step := range steps {
		if err := s.await(ctx, step.name, step.fn); err != nil {
			return err
		}
	}
	return nil
}

// RotateKeys revokes every search-only key, mints a new one scoped to all
// indexes, and persists it. The secret itself is never logged.
func (s *Synchronizer) RotateKeys(ctx context.Context) (engine.Key, error) {
	if s.keys == nil {
		return engine.Key{}, ErrNoKeyStore
	}
	existing, err := s.admin.ListKeys(ctx)
	if err != nil {
		return engine.Key{}, err
	}
	revoked := 0
	for _, k := range existing {
		if !k.SearchOnly() {
			continue
		}
		if err := s.admin.DeleteKey(ctx, k.UID); err != nil {
			return engine.Key{}, err
		}
		revoked++
	}
	key, err := s.admin.CreateKey(ctx, engine.Key{
		Description: SearchKeyDescription,
		Actions:     []string{engine.SearchAction},
		Indexes:     []string{"*"},
	})
	if err != nil {
		return engine.Key{}, err
	}
	if err := s.keys.SaveSearchKey(ctx, key.Key); err != nil {
		return key, fmt.Errorf("persist search key: %w", err)
	}
	s.logger.Info("search key rotated", zap.Int("revoked", revoked), zap.String("key_uid", key.UID))
	return key, nil
}

func (s *Synchronizer) populate(
	ctx context.Context,
	uid string,
	batches []crawler.Batch,
	report *Report,
) ([]engine.TaskID, error) {
	tasks := make([]engine.TaskID, 0, len(batches))
	for i, batch := range batches {
		if len(batch.Records) == 0 {
			continue
		}
		id, err := s.admin.AddDocuments(ctx, uid, batch.Records, PrimaryKey)
		if err != nil {
			return tasks, fmt.Errorf("batch %d (%s): %w", i, batch.Path, err)
		}
		tasks = append(tasks, id)
		report.Batches++
		report.Documents += len(batch.Records)
		for _, rec := range batch.Records {
			if rec.RecordType.Bookkeeping() {
				report.Bookkeeping++
			}
		}
	}
	report.Terminal = report.Documents - report.Bookkeeping
	return tasks, nil
}

// settle waits for every populate task, then pauses for SettleInterval.
func (s *Synchronizer) settle(ctx context.Context, tasks []engine.TaskID) error {
	for _, id := range tasks {
		if err := s.admin.WaitForTask(ctx, id); err != nil {
			return fmt.Errorf("populate task %d: %w", id, err)
		}
	}
	if s.cfg.SettleInterval > 0 {
		return s.sleep(ctx, s.cfg.SettleInterval)
	}
	return nil
}

func (s *Synchronizer) prune(ctx context.Context, uid string) error {
	return s.await(ctx, "delete bookkeeping records", func() (engine.TaskID, error) {
		return s.admin.DeleteDocumentsByFilter(ctx, uid, BookkeepingFilter)
	})
}

// promote swaps the staging index into the live name and drops the previous
// generation. A leftover staging index is removed by the next provision.
func (s *Synchronizer) promote(ctx context.Context, staging string, logger *zap.Logger) error {
	live := s.cfg.Index
	exists, err := s.admin.IndexExists(ctx, live)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.await(ctx, "create live index", func() (engine.TaskID, error) {
			return s.admin.CreateIndex(ctx, live, PrimaryKey)
		}); err != nil {
			return err
		}
	}
	if err := s.await(ctx, "swap indexes", func() (engine.TaskID, error) {
		return s.admin.SwapIndexes(ctx, live, staging)
	}); err != nil {
		return err
	}
	if err := s.await(ctx, "delete previous generation", func() (engine.TaskID, error) {
		return s.admin.DeleteIndex(ctx, staging)
	}); err != nil {
		logger.Warn("previous index generation not deleted", zap.String("staging", staging), zap.Error(err))
	}
	return nil
}

func (s *Synchronizer) await(ctx context.Context, what string, enqueue func() (engine.TaskID, error)) error {
	id, err := enqueue()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := s.admin.WaitForTask(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
