// Package memory provides an in-process search engine for tests and dry runs.
// Tasks complete synchronously; failures can be injected per operation.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
)

// Operation names accepted by FailCall and FailTask.
const (
	OpCreateIndex     = "create_index"
	OpDeleteIndex     = "delete_index"
	OpSwapIndexes     = "swap_indexes"
	OpUpdateFilter    = "update_filterable"
	OpUpdateSortable  = "update_sortable"
	OpAddDocuments    = "add_documents"
	OpDeleteByFilter  = "delete_by_filter"
	OpListKeys        = "list_keys"
	OpCreateKey       = "create_key"
	OpDeleteKey       = "delete_key"
	OpSearch          = "search"
	OpStats           = "stats"
	OpIndexExists     = "index_exists"
	OpWaitForTaskCall = "wait_for_task"
)

type index struct {
	primaryKey string
	filterable []string
	sortable   []string
	docs       map[string]crawler.Record
}

type task struct {
	op  string
	err error
}

// Engine is a thread-safe in-memory engine.Admin and engine.Searcher.
type Engine struct {
	mu        sync.Mutex
	indexes   map[string]*index
	keys      []engine.Key
	tasks     map[engine.TaskID]task
	nextTask  engine.TaskID
	failCall  map[string]error
	failTask  map[string]error
	unhealthy bool
	calls     []string
}

var (
	_ engine.Admin    = (*Engine)(nil)
	_ engine.Searcher = (*Engine)(nil)
)

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		indexes:  make(map[string]*index),
		tasks:    make(map[engine.TaskID]task),
		failCall: make(map[string]error),
		failTask: make(map[string]error),
	}
}

// FailCall makes every call to op return err until cleared with a nil err.
func (e *Engine) FailCall(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failCall, op)
		return
	}
	e.failCall[op] = err
}

// FailTask makes tasks enqueued by op fail when awaited.
func (e *Engine) FailTask(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failTask, op)
		return
	}
	e.failTask[op] = err
}

// SetHealthy toggles the health probe.
func (e *Engine) SetHealthy(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unhealthy = !ok
}

// Calls returns the operations invoked so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Documents returns a copy of the documents in uid sorted by id.
func (e *Engine) Documents(uid string) []crawler.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[uid]
	if !ok {
		return nil
	}
	out := make([]crawler.Record, 0, len(idx.docs))
	for _, doc := range idx.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Settings returns the filterable and sortable attributes of uid.
func (e *Engine) Settings(uid string) (filterable, sortable []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[uid]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), idx.filterable...), append([]string(nil), idx.sortable...)
}

// Keys returns a copy of the stored keys.
func (e *Engine) Keys() []engine.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Key(nil), e.keys...)
}

// AddKey seeds a key directly.
func (e *Engine) AddKey(k engine.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k.UID == "" {
		k.UID = uuid.NewString()
	}
	e.keys = append(e.keys, k)
}

// IndexNames lists existing indexes.
func (e *Engine) IndexNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.indexes))
	for name := range e.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// begin records the call and returns an injected error, if any. Callers hold mu.
func (e *Engine) begin(ctx context.Context, op string) error {
	e.calls = append(e.calls, op)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := e.failCall[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// enqueue registers a finished task. Callers hold mu.
func (e *Engine) enqueue(op string, err error) engine.TaskID {
	e.nextTask++
	if injected, ok := e.failTask[op]; ok && err == nil {
		err = injected
	}
	e.tasks[e.nextTask] = task{op: op, err: err}
	return e.nextTask
}

// IndexExists implements engine.Admin.
func (e *Engine) IndexExists(ctx context.Context, uid string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpIndexExists); err != nil {
		return false, err
	}
	_, ok := e.indexes[uid]
	return ok, nil
}

// CreateIndex implements engine.Admin.
func (e *Engine) CreateIndex(ctx context.Context, uid, primaryKey string) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpCreateIndex); err != nil {
		return 0, err
	}
	if _, ok := e.indexes[uid]; ok {
		return e.enqueue(OpCreateIndex, fmt.Errorf("index %s already exists", uid)), nil
	}
	e.indexes[uid] = &index{primaryKey: primaryKey, docs: make(map[string]crawler.Record)}
	return e.enqueue(OpCreateIndex, nil), nil
}

// DeleteIndex implements engine.Admin.
func (e *Engine) DeleteIndex(ctx context.Context, uid string) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpDeleteIndex); err != nil {
		return 0, err
	}
	if _, ok := e.indexes[uid]; !ok {
		return 0, fmt.Errorf("delete index %s: %w", uid, engine.ErrIndexNotFound)
	}
	delete(e.indexes, uid)
	return e.enqueue(OpDeleteIndex, nil), nil
}

// SwapIndexes implements engine.Admin.
func (e *Engine) SwapIndexes(ctx context.Context, a, b string) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpSwapIndexes); err != nil {
		return 0, err
	}
	ia, okA := e.indexes[a]
	ib, okB := e.indexes[b]
	if !okA || !okB {
		return e.enqueue(OpSwapIndexes, fmt.Errorf("swap %s and %s: %w", a, b, engine.ErrIndexNotFound)), nil
	}
	e.indexes[a], e.indexes[b] = ib, ia
	return e.enqueue(OpSwapIndexes, nil), nil
}

// UpdateFilterableAttributes implements engine.Admin.
func (e *Engine) UpdateFilterableAttributes(ctx context.Context, uid string, attrs []string) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpUpdateFilter); err != nil {
		return 0, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		return e.enqueue(OpUpdateFilter, engine.ErrIndexNotFound), nil
	}
	idx.filterable = append([]string(nil), attrs...)
	return e.enqueue(OpUpdateFilter, nil), nil
}

// UpdateSortableAttributes implements engine.Admin.
func (e *Engine) UpdateSortableAttributes(ctx context.Context, uid string, attrs []string) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpUpdateSortable); err != nil {
		return 0, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		return e.enqueue(OpUpdateSortable, engine.ErrIndexNotFound), nil
	}
	idx.sortable = append([]string(nil), attrs...)
	return e.enqueue(OpUpdateSortable, nil), nil
}

// AddDocuments implements engine.Admin. A missing index is created, as the
// real engine does.
func (e *Engine) AddDocuments(
	ctx context.Context,
	uid string,
	docs []crawler.Record,
	primaryKey string,
) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpAddDocuments); err != nil {
		return 0, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		idx = &index{primaryKey: primaryKey, docs: make(map[string]crawler.Record)}
		e.indexes[uid] = idx
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return e.enqueue(OpAddDocuments, errors.New("document is missing its primary key")), nil
		}
	}
	for _, doc := range docs {
		idx.docs[doc.ID] = doc
	}
	return e.enqueue(OpAddDocuments, nil), nil
}

// DeleteDocumentsByFilter implements engine.Admin. Only recordType filters
// are evaluated, and the attribute must be filterable.
func (e *Engine) DeleteDocumentsByFilter(ctx context.Context, uid string, filter engine.Filter) (engine.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpDeleteByFilter); err != nil {
		return 0, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		return e.enqueue(OpDeleteByFilter, engine.ErrIndexNotFound), nil
	}
	if !slices.Contains(idx.filterable, filter.Field) {
		return e.enqueue(OpDeleteByFilter, fmt.Errorf("attribute %s is not filterable", filter.Field)), nil
	}
	for id, doc := range idx.docs {
		if filter.Matches(fieldValue(doc, filter.Field)) {
			delete(idx.docs, id)
		}
	}
	return e.enqueue(OpDeleteByFilter, nil), nil
}

// WaitForTask implements engine.Admin.
func (e *Engine) WaitForTask(ctx context.Context, id engine.TaskID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpWaitForTaskCall); err != nil {
		return err
	}
	t, ok := e.tasks[id]
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}
	if t.err != nil {
		return &engine.TaskError{Task: id, Status: "failed", Message: t.err.Error()}
	}
	return nil
}

// ListKeys implements engine.Admin.
func (e *Engine) ListKeys(ctx context.Context) ([]engine.Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpListKeys); err != nil {
		return nil, err
	}
	return append([]engine.Key(nil), e.keys...), nil
}

// CreateKey implements engine.Admin.
func (e *Engine) CreateKey(ctx context.Context, key engine.Key) (engine.Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpCreateKey); err != nil {
		return engine.Key{}, err
	}
	key.UID = uuid.NewString()
	key.Key = strings.ReplaceAll(uuid.NewString(), "-", "")
	e.keys = append(e.keys, key)
	return key, nil
}

// DeleteKey implements engine.Admin.
func (e *Engine) DeleteKey(ctx context.Context, uid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpDeleteKey); err != nil {
		return err
	}
	for i, k := range e.keys {
		if k.UID == uid {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("key %s not found", uid)
}

// Stats implements engine.Admin.
func (e *Engine) Stats(ctx context.Context, uid string) (engine.IndexStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpStats); err != nil {
		return engine.IndexStats{}, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		return engine.IndexStats{}, fmt.Errorf("stats %s: %w", uid, engine.ErrIndexNotFound)
	}
	return engine.IndexStats{Documents: int64(len(idx.docs))}, nil
}

// Search implements engine.Searcher with case-insensitive substring matching
// over name, path and tags. Only "name:asc" and "name:desc" sorts apply.
func (e *Engine) Search(ctx context.Context, uid string, req engine.SearchRequest) (engine.SearchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, OpSearch); err != nil {
		return engine.SearchResult{}, err
	}
	idx, ok := e.indexes[uid]
	if !ok {
		return engine.SearchResult{}, fmt.Errorf("search %s: %w", uid, engine.ErrIndexNotFound)
	}

	needle := strings.ToLower(req.Query)
	var matches []crawler.Record
	for _, doc := range idx.docs {
		if matchesQuery(doc, needle) {
			matches = append(matches, doc)
		}
	}
	desc := slices.Contains(req.Sort, "name:desc")
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Name == matches[j].Name {
			return matches[i].ID < matches[j].ID
		}
		if desc {
			return matches[i].Name > matches[j].Name
		}
		return matches[i].Name < matches[j].Name
	})

	total := int64(len(matches))
	start := min(max(req.Offset, 0), total)
	end := total
	if req.Limit > 0 {
		end = min(start+req.Limit, total)
	}
	hits := make([]map[string]any, 0, end-start)
	for _, doc := range matches[start:end] {
		hit, err := toHit(doc)
		if err != nil {
			return engine.SearchResult{}, err
		}
		hits = append(hits, hit)
	}
	return engine.SearchResult{Hits: hits, EstimatedTotalHits: total, Query: req.Query}, nil
}

// Healthy implements engine.Searcher.
func (e *Engine) Healthy(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ctx.Err() == nil && !e.unhealthy
}

func matchesQuery(doc crawler.Record, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(doc.Name), needle) || strings.Contains(strings.ToLower(doc.Path), needle) {
		return true
	}
	for _, tag := range doc.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func fieldValue(doc crawler.Record, field string) string {
	switch field {
	case "recordType":
		return string(doc.RecordType)
	case "name":
		return doc.Name
	case "path":
		return doc.Path
	case "id":
		return doc.ID
	}
	return ""
}

func toHit(doc crawler.Record) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode hit: %w", err)
	}
	var hit map[string]any
	if err := json.Unmarshal(raw, &hit); err != nil {
		return nil, fmt.Errorf("decode hit: %w", err)
	}
	return hit, nil
}
