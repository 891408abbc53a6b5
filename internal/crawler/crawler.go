package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/progress"
)

// Config holds the settings for a harvest. It is decoupled from Viper so the
// harvester can be built directly in tests.
type Config struct {
	// APIBase is the inventory API root, e.g. https://api.resonite.com.
	APIBase string
	// Separator joins a directory's path and name into its child path.
	Separator string
	// RootWorkers bounds how many roots are walked at once. Each root is
	// always walked by a single goroutine.
	RootWorkers int
	// MaxFrontier caps pending directories per root. Zero is unbounded.
	MaxFrontier int
	// DropFields lists pass-through record fields removed before indexing.
	DropFields []string
	// DuplicateSamples caps the duplicate ids kept in the report.
	DuplicateSamples int
}

// DefaultSeparator is the path separator used by the inventory API.
const DefaultSeparator = `\`

// Harvester walks configured roots and collects their records into batches.
type Harvester struct {
	cfg     Config
	fetcher TreeFetcher
	assets  Normalizer
	limiter Limiter
	retry   RetryPolicy
	emitter progress.Emitter
	logger  *zap.Logger
	now     func() time.Time
}

// NewHarvester wires a Harvester. limiter, retry and emitter are optional.
func NewHarvester(
	cfg Config,
	fetcher TreeFetcher,
	assets Normalizer,
	limiter Limiter,
	retry RetryPolicy,
	emitter progress.Emitter,
	logger *zap.Logger,
) (*Harvester, error) {
	if fetcher == nil {
		return nil, errors.New("tree fetcher is required")
	}
	if assets == nil {
		return nil, errors.New("asset normalizer is required")
	}
	if cfg.APIBase == "" {
		return nil, errors.New("api base is required")
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	if cfg.RootWorkers <= 0 {
		cfg.RootWorkers = 1
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		cfg:     cfg,
		fetcher: fetcher,
		assets:  assets,
		limiter: limiter,
		retry:   retry,
		emitter: emitter,
		logger:  logger.Named("harvester"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Harvest walks every root and returns their batches in root order, then
// visit order. Directory failures are collected in the result; only context
// cancellation returns an error.
func (h *Harvester) Harvest(ctx context.Context, runID uuid.UUID, roots []Root) (Result, error) {
	traversals := make([]*Traversal, len(roots))
	jobs := make(chan int)
	workers := min(h.cfg.RootWorkers, len(roots))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := h.logger.With(zap.Int("worker", worker))
			for i := range jobs {
				t := NewTraversal(roots[i], h.cfg.MaxFrontier)
				if err := h.walk(ctx, runID, t, logger); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
				traversals[i] = t
			}
		}(w)
	}
dispatch:
	for i := range roots {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return Result{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("harvest canceled: %w", err)
	}
	return h.merge(traversals), nil
}

func (h *Harvester) walk(ctx context.Context, runID uuid.UUID, t *Traversal, logger *zap.Logger) error {
	logger = logger.With(zap.String("root", t.Root.String()))
	logger.Info("harvesting root")
	if err := t.push(t.Root.Directory); err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	for t.frontier.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("harvest %s: %w", t.Root, err)
		}
		path, _ := t.frontier.Front()
		start := time.Now()
		listing, err := h.fetch(ctx, t.Root, path, logger)
		if err != nil {
			t.frontier.PopFront()
			if ctx.Err() != nil {
				return fmt.Errorf("harvest %s: %w", t.Root, ctx.Err())
			}
			h.recordFailure(runID, t, path, err, time.Since(start), logger)
			continue
		}
		batch := h.enrich(t, path, listing.Records, logger)
		t.batches = append(t.batches, batch)
		t.visited++
		t.frontier.PopFront()
		h.emitter.Emit(progress.Event{
			RunID:   runID,
			TS:      h.now(),
			Stage:   progress.StageVisitDone,
			Root:    t.Root.String(),
			Path:    path,
			Records: int64(len(batch.Records)),
			Objects: countObjects(batch.Records),
			Dur:     time.Since(start),
		})
	}
	logger.Info("root harvested",
		zap.Int("visited", t.visited),
		zap.Int("failed", len(t.failures)),
		zap.Int("batches", len(t.batches)),
	)
	return nil
}

func (h *Harvester) fetch(ctx context.Context, root Root, path string, logger *zap.Logger) (Listing, error) {
	req := TreeRequest{APIBase: h.cfg.APIBase, OwnerID: root.OwnerID, Path: path}
	target, err := req.URL()
	if err != nil {
		return Listing{}, err
	}
	for attempt := 1; ; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx, target); err != nil {
				return Listing{}, err
			}
		}
		listing, err := h.fetcher.FetchChildren(ctx, req)
		if err == nil && !listing.Structured {
			err = fmt.Errorf("%w: content type %q", ErrUnstructuredListing, listing.ContentType)
		}
		if err == nil {
			return listing, nil
		}
		if h.retry == nil || !h.retry.ShouldRetry(err, attempt) {
			return Listing{}, err
		}
		wait := h.retry.Backoff(attempt)
		logger.Debug("retrying directory fetch",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Listing{}, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (h *Harvester) enrich(t *Traversal, path string, records []Record, logger *zap.Logger) Batch {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		rec.DropFields(h.cfg.DropFields)
		switch rec.RecordType {
		case RecordTypeDirectory:
			child := rec.Path + h.cfg.Separator + rec.Name
			if err := t.push(child); err != nil {
				t.failures = append(t.failures, NodeFailure{Root: t.Root, Path: child, Err: err, At: h.now()})
				logger.Warn("directory not queued", zap.String("path", child), zap.Error(err))
			}
		case RecordTypeObject:
			h.applyThumbnail(t, &rec, logger)
		}
		out = append(out, rec)
	}
	return Batch{Root: t.Root, Path: path, Records: out}
}

func (h *Harvester) applyThumbnail(t *Traversal, rec *Record, logger *zap.Logger) {
	if rec.ThumbnailURI == "" {
		t.malformed++
		return
	}
	public, err := h.assets.Normalize(rec.ThumbnailURI)
	if err != nil {
		t.malformed++
		logger.Debug("thumbnail not normalized", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	rec.ThumbnailURL = public
}

func (h *Harvester) recordFailure(
	runID uuid.UUID,
	t *Traversal,
	path string,
	err error,
	dur time.Duration,
	logger *zap.Logger,
) {
	t.failures = append(t.failures, NodeFailure{Root: t.Root, Path: path, Err: err, At: h.now()})
	logger.Warn("directory fetch failed; skipping subtree", zap.String("path", path), zap.Error(err))
	h.emitter.Emit(progress.Event{
		RunID: runID,
		TS:    h.now(),
		Stage: progress.StageVisitError,
		Root:  t.Root.String(),
		Path:  path,
		Dur:   dur,
		Note:  err.Error(),
	})
}

func (h *Harvester) merge(traversals []*Traversal) Result {
	var res Result
	firstSeen := make(map[string]string)
	for _, t := range traversals {
		if t == nil {
			continue
		}
		res.Visited += t.visited
		res.MalformedThumbnails += t.malformed
		res.Failures = append(res.Failures, t.failures...)
		for _, batch := range t.batches {
			res.Records += len(batch.Records)
			for _, rec := range batch.Records {
				h.checkDuplicate(&res.Duplicates, firstSeen, rec, batch.Path)
			}
			res.Batches = append(res.Batches, batch)
		}
	}
	if res.Duplicates.Count > 0 {
		h.logger.Warn("duplicate record ids harvested; later records overwrite earlier ones in the index",
			zap.Int("count", res.Duplicates.Count))
	}
	return res
}

func (h *Harvester) checkDuplicate(report *DuplicateReport, firstSeen map[string]string, rec Record, path string) {
	if rec.ID == "" {
		return
	}
	first, seen := firstSeen[rec.ID]
	if !seen {
		firstSeen[rec.ID] = path
		return
	}
	report.Count++
	if len(report.Samples) < h.cfg.DuplicateSamples {
		report.Samples = append(report.Samples, Duplicate{ID: rec.ID, FirstPath: first, Path: path})
	}
}

func countObjects(records []Record) int64 {
	var n int64
	for _, rec := range records {
		if rec.RecordType == RecordTypeObject {
			n++
		}
	}
	return n
}

// Traversal is the walk state for one root: the frontier, the set of paths
// already queued, and what the walk produced.
type Traversal struct {
	Root     Root
	frontier *Frontier
	queued   map[string]struct{}

	batches   []Batch
	failures  []NodeFailure
	visited   int
	malformed int
}

// NewTraversal returns a traversal with an empty frontier.
func NewTraversal(root Root, maxFrontier int) *Traversal {
	return &Traversal{
		Root:     root,
		frontier: NewFrontier(maxFrontier),
		queued:   make(map[string]struct{}),
	}
}

// push queues path unless it was queued before in this traversal.
func (t *Traversal) push(path string) error {
	if _, ok := t.queued[path]; ok {
		return nil
	}
	if err := t.frontier.Push(path); err != nil {
		return err
	}
	t.queued[path] = struct{}{}
	return nil
}

// Visited reports how many directories were harvested.
func (t *Traversal) Visited() int { return t.visited }

// Failures returns the directories that could not be harvested.
func (t *Traversal) Failures() []NodeFailure { return t.failures }
