// Package meili adapts meilisearch-go to the engine interfaces.
package meili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
)

// keysPageSize is the page size used when listing API keys.
const keysPageSize = 100

// Config holds connection settings.
type Config struct {
	Host    string
	APIKey  string
	Timeout time.Duration
	// PollInterval is how often task status is checked while waiting.
	PollInterval time.Duration
	// TaskTimeout bounds a single WaitForTask call. Zero relies on ctx alone.
	TaskTimeout time.Duration
}

// Engine implements engine.Admin and engine.Searcher.
type Engine struct {
	client *meilisearch.Client
	cfg    Config
}

var (
	_ engine.Admin    = (*Engine)(nil)
	_ engine.Searcher = (*Engine)(nil)
)

// New builds an Engine. The key decides which operations succeed: the
// gateway is given a search-only key, the synchronizer the master key.
func New(cfg Config) (*Engine, error) {
	if cfg.Host == "" {
		return nil, errors.New("meilisearch host is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:    cfg.Host,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
	return &Engine{client: client, cfg: cfg}, nil
}

// IndexExists reports whether uid exists.
func (e *Engine) IndexExists(ctx context.Context, uid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := e.client.GetIndex(uid); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get index %s: %w", uid, err)
	}
	return true, nil
}

// CreateIndex enqueues index creation.
func (e *Engine) CreateIndex(ctx context.Context, uid, primaryKey string) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.CreateIndex(&meilisearch.IndexConfig{Uid: uid, PrimaryKey: primaryKey})
	if err != nil {
		return 0, fmt.Errorf("create index %s: %w", uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// DeleteIndex enqueues index deletion.
func (e *Engine) DeleteIndex(ctx context.Context, uid string) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.DeleteIndex(uid)
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("delete index %s: %w", uid, engine.ErrIndexNotFound)
		}
		return 0, fmt.Errorf("delete index %s: %w", uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// SwapIndexes enqueues an atomic swap of a and b.
func (e *Engine) SwapIndexes(ctx context.Context, a, b string) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.SwapIndexes([]meilisearch.SwapIndexesParams{{Indexes: []string{a, b}}})
	if err != nil {
		return 0, fmt.Errorf("swap %s and %s: %w", a, b, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// UpdateFilterableAttributes replaces the filterable attribute list.
func (e *Engine) UpdateFilterableAttributes(ctx context.Context, uid string, attrs []string) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.Index(uid).UpdateFilterableAttributes(&attrs)
	if err != nil {
		return 0, fmt.Errorf("update filterable attributes on %s: %w", uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// UpdateSortableAttributes replaces the sortable attribute list.
func (e *Engine) UpdateSortableAttributes(ctx context.Context, uid string, attrs []string) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.Index(uid).UpdateSortableAttributes(&attrs)
	if err != nil {
		return 0, fmt.Errorf("update sortable attributes on %s: %w", uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// AddDocuments enqueues an upsert of docs.
func (e *Engine) AddDocuments(
	ctx context.Context,
	uid string,
	docs []crawler.Record,
	primaryKey string,
) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.Index(uid).AddDocuments(docs, primaryKey)
	if err != nil {
		return 0, fmt.Errorf("add %d documents to %s: %w", len(docs), uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// DeleteDocumentsByFilter enqueues a delete of every document matching filter.
func (e *Engine) DeleteDocumentsByFilter(ctx context.Context, uid string, filter engine.Filter) (engine.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := e.client.Index(uid).DeleteDocumentsByFilter(filter.String())
	if err != nil {
		return 0, fmt.Errorf("delete documents by filter on %s: %w", uid, err)
	}
	return engine.TaskID(info.TaskUID), nil
}

// WaitForTask polls until the task leaves the queue. Anything other than
// success is returned as *engine.TaskError.
func (e *Engine) WaitForTask(ctx context.Context, id engine.TaskID) error {
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}
	task, err := e.client.WaitForTask(int64(id), meilisearch.WaitParams{
		Context:  ctx,
		Interval: e.cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", id, err)
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		return &engine.TaskError{Task: id, Status: string(task.Status), Message: task.Error.Message}
	}
	return nil
}

// ListKeys returns every API key, following the offset until the reported
// total is reached.
func (e *Engine) ListKeys(ctx context.Context) ([]engine.Key, error) {
	var keys []engine.Key
	for offset := int64(0); ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.client.GetKeys(&meilisearch.KeysQuery{Offset: offset, Limit: keysPageSize})
		if err != nil {
			return nil, fmt.Errorf("list keys at offset %d: %w", offset, err)
		}
		for _, k := range res.Results {
			keys = append(keys, fromMeiliKey(k))
		}
		offset += int64(len(res.Results))
		if len(res.Results) == 0 || offset >= res.Total {
			return keys, nil
		}
	}
}

// CreateKey mints a key and returns it with its secret populated.
func (e *Engine) CreateKey(ctx context.Context, key engine.Key) (engine.Key, error) {
	if err := ctx.Err(); err != nil {
		return engine.Key{}, err
	}
	req := &meilisearch.Key{
		Name:        key.Name,
		Description: key.Description,
		Actions:     key.Actions,
		Indexes:     key.Indexes,
	}
	if key.ExpiresAt != nil {
		req.ExpiresAt = *key.ExpiresAt
	}
	created, err := e.client.CreateKey(req)
	if err != nil {
		return engine.Key{}, fmt.Errorf("create key: %w", err)
	}
	return fromMeiliKey(*created), nil
}

// DeleteKey revokes a key by uid.
func (e *Engine) DeleteKey(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.client.DeleteKey(uid); err != nil {
		return fmt.Errorf("delete key %s: %w", uid, err)
	}
	return nil
}

// Stats returns document counts for uid.
func (e *Engine) Stats(ctx context.Context, uid string) (engine.IndexStats, error) {
	if err := ctx.Err(); err != nil {
		return engine.IndexStats{}, err
	}
	stats, err := e.client.Index(uid).GetStats()
	if err != nil {
		if isNotFound(err) {
			return engine.IndexStats{}, fmt.Errorf("stats %s: %w", uid, engine.ErrIndexNotFound)
		}
		return engine.IndexStats{}, fmt.Errorf("stats %s: %w", uid, err)
	}
	return engine.IndexStats{Documents: stats.NumberOfDocuments, IsIndexing: stats.IsIndexing}, nil
}

// Search runs one page of a query against index.
func (e *Engine) Search(ctx context.Context, index string, req engine.SearchRequest) (engine.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.SearchResult{}, err
	}
	resp, err := e.client.Index(index).Search(req.Query, &meilisearch.SearchRequest{
		Offset: req.Offset,
		Limit:  req.Limit,
		Sort:   req.Sort,
	})
	if err != nil {
		return engine.SearchResult{}, fmt.Errorf("search %s: %w", index, err)
	}
	hits := make([]map[string]any, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		if m, ok := h.(map[string]any); ok {
			hits = append(hits, m)
		}
	}
	return engine.SearchResult{
		Hits:               hits,
		EstimatedTotalHits: resp.EstimatedTotalHits,
		ProcessingTimeMs:   resp.ProcessingTimeMs,
		Query:              resp.Query,
	}, nil
}

// Healthy reports whether the engine answers its health probe.
func (e *Engine) Healthy(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return e.client.IsHealthy()
}

func fromMeiliKey(k meilisearch.Key) engine.Key {
	out := engine.Key{
		UID:         k.UID,
		Key:         k.Key,
		Name:        k.Name,
		Description: k.Description,
		Actions:     k.Actions,
		Indexes:     k.Indexes,
	}
	if !k.ExpiresAt.IsZero() {
		expires := k.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr *meilisearch.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
