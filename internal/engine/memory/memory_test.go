package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
)

func seed(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	id, err := e.CreateIndex(ctx, "items", "id")
	require.NoError(t, err)
	require.NoError(t, e.WaitForTask(ctx, id))
	id, err = e.UpdateFilterableAttributes(ctx, "items", []string{"recordType", "tags"})
	require.NoError(t, err)
	require.NoError(t, e.WaitForTask(ctx, id))
	id, err = e.AddDocuments(ctx, "items", []crawler.Record{
		{ID: "1", RecordType: crawler.RecordTypeObject, Name: "Chair", Path: "Inventory"},
		{ID: "2", RecordType: crawler.RecordTypeObject, Name: "Armchair", Path: "Inventory", Tags: []string{"seat"}},
		{ID: "3", RecordType: crawler.RecordTypeDirectory, Name: "Chairs", Path: "Inventory"},
		{ID: "4", RecordType: crawler.RecordTypeLink, Name: "Table", Path: "Inventory"},
	}, "id")
	require.NoError(t, err)
	require.NoError(t, e.WaitForTask(ctx, id))
}

func TestSearchSortsAndPages(t *testing.T) {
	t.Parallel()

	e := New()
	seed(t, e)

	res, err := e.Search(context.Background(), "items", engine.SearchRequest{
		Query: "chair", Limit: 2, Sort: []string{"name:asc"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.EstimatedTotalHits)
	require.Len(t, res.Hits, 2)
	require.Equal(t, "Armchair", res.Hits[0]["name"])
	require.Equal(t, "Chair", res.Hits[1]["name"])

	res, err = e.Search(context.Background(), "items", engine.SearchRequest{
		Query: "chair", Offset: 2, Limit: 2, Sort: []string{"name:asc"},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "Chairs", res.Hits[0]["name"])

	res, err = e.Search(context.Background(), "items", engine.SearchRequest{Query: "chair", Offset: 50, Limit: 8})
	require.NoError(t, err)
	require.Empty(t, res.Hits)
}

func TestDeleteByFilterRequiresFilterable(t *testing.T) {
	t.Parallel()

	e := New()
	seed(t, e)
	ctx := context.Background()

	filter := engine.Filter{Field: "recordType", AnyOf: []string{"link", "directory"}}
	id, err := e.DeleteDocumentsByFilter(ctx, "items", filter)
	require.NoError(t, err)
	require.NoError(t, e.WaitForTask(ctx, id))
	require.Len(t, e.Documents("items"), 2)

	id, err = e.DeleteDocumentsByFilter(ctx, "items", engine.Filter{Field: "name", AnyOf: []string{"Chair"}})
	require.NoError(t, err)
	var taskErr *engine.TaskError
	require.True(t, errors.As(e.WaitForTask(ctx, id), &taskErr))
}

func TestSwapIndexes(t *testing.T) {
	t.Parallel()

	e := New()
	seed(t, e)
	ctx := context.Background()
	_, err := e.CreateIndex(ctx, "items_next", "id")
	require.NoError(t, err)

	id, err := e.SwapIndexes(ctx, "items", "items_next")
	require.NoError(t, err)
	require.NoError(t, e.WaitForTask(ctx, id))
	require.Empty(t, e.Documents("items"))
	require.Len(t, e.Documents("items_next"), 4)
}

func TestInjectedFailures(t *testing.T) {
	t.Parallel()

	e := New()
	ctx := context.Background()
	boom := errors.New("boom")

	e.FailCall(OpCreateIndex, boom)
	_, err := e.CreateIndex(ctx, "items", "id")
	require.ErrorIs(t, err, boom)
	e.FailCall(OpCreateIndex, nil)

	e.FailTask(OpCreateIndex, boom)
	id, err := e.CreateIndex(ctx, "items", "id")
	require.NoError(t, err)
	require.Error(t, e.WaitForTask(ctx, id))
}

func TestKeysLifecycle(t *testing.T) {
	t.Parallel()

	e := New()
	ctx := context.Background()
	created, err := e.CreateKey(ctx, engine.Key{Description: "Search-only key", Actions: []string{"search"}, Indexes: []string{"*"}})
	require.NoError(t, err)
	require.NotEmpty(t, created.UID)
	require.NotEmpty(t, created.Key)

	keys, err := e.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, e.DeleteKey(ctx, created.UID))
	require.Error(t, e.DeleteKey(ctx, created.UID))
	require.Empty(t, e.Keys())
}

func TestDeleteMissingIndex(t *testing.T) {
	t.Parallel()

	_, err := New().DeleteIndex(context.Background(), "nope")
	require.ErrorIs(t, err, engine.ErrIndexNotFound)
}
