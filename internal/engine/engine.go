// Package engine defines the search engine operations the synchronizer and
// the gateway depend on. Adapters live in subpackages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/marmelspade/internal/crawler"
)

// ErrIndexNotFound is returned when an index does not exist.
var ErrIndexNotFound = errors.New("index not found")

// TaskID identifies an asynchronous engine task.
type TaskID int64

// TaskError reports a task that finished without succeeding.
type TaskError struct {
	Task    TaskID
	Status  string
	Message string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %d %s", e.Task, e.Status)
	}
	return fmt.Sprintf("task %d %s: %s", e.Task, e.Status, e.Message)
}

// SearchAction is the only action granted to gateway keys.
const SearchAction = "search"

// Key is an API credential.
type Key struct {
	UID         string
	Key         string
	Name        string
	Description string
	Actions     []string
	Indexes     []string
	ExpiresAt   *time.Time
}

// SearchOnly reports whether the key grants exactly the search action.
func (k Key) SearchOnly() bool {
	return slices.Equal(k.Actions, []string{SearchAction})
}

// Filter matches documents whose Field equals any of AnyOf.
type Filter struct {
	Field string
	AnyOf []string
}

// String renders the filter in the engine's expression syntax, for example
// recordType = "link" OR recordType = "directory".
func (f Filter) String() string {
	parts := make([]string, 0, len(f.AnyOf))
	for _, v := range f.AnyOf {
		parts = append(parts, fmt.Sprintf("%s = %q", f.Field, v))
	}
	return strings.Join(parts, " OR ")
}

// Matches evaluates the filter against a single value.
func (f Filter) Matches(value string) bool {
	return slices.Contains(f.AnyOf, value)
}

// SearchRequest is one page of a query.
type SearchRequest struct {
	Query  string
	Offset int64
	Limit  int64
	Sort   []string
}

// SearchResult is the engine's answer to a SearchRequest.
type SearchResult struct {
	Hits               []map[string]any
	EstimatedTotalHits int64
	ProcessingTimeMs   int64
	Query              string
}

// IndexStats summarizes an index.
type IndexStats struct {
	Documents  int64
	IsIndexing bool
}

// Admin is the privileged surface used to rebuild an index.
type Admin interface {
	IndexExists(ctx context.Context, uid string) (bool, error)
	CreateIndex(ctx context.Context, uid, primaryKey string) (TaskID, error)
	DeleteIndex(ctx context.Context, uid string) (TaskID, error)
	SwapIndexes(ctx context.Context, a, b string) (TaskID, error)
	UpdateFilterableAttributes(ctx context.Context, uid string, attrs []string) (TaskID, error)
	UpdateSortableAttributes(ctx context.Context, uid string, attrs []string) (TaskID, error)
	AddDocuments(ctx context.Context, uid string, docs []crawler.Record, primaryKey string) (TaskID, error)
	DeleteDocumentsByFilter(ctx context.Context, uid string, filter Filter) (TaskID, error)
	WaitForTask(ctx context.Context, id TaskID) error
	ListKeys(ctx context.Context) ([]Key, error)
	CreateKey(ctx context.Context, key Key) (Key, error)
	DeleteKey(ctx context.Context, uid string) error
	Stats(ctx context.Context, uid string) (IndexStats, error)
}

// Searcher is the read-only surface used by the gateway.
type Searcher interface {
	Search(ctx context.Context, index string, req SearchRequest) (SearchResult, error)
	Healthy(ctx context.Context) bool
}
