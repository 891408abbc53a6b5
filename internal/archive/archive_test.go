package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/hash/sha256"
	"github.com/JakeFAU/marmelspade/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingStore struct {
	failOn string
	puts   []string
}

func (s *failingStore) PutObject(_ context.Context, name string, _ string, _ io.Reader) (string, error) {
	s.puts = append(s.puts, name)
	if name == s.failOn {
		return "", errors.New("bucket unavailable")
	}
	return "test://" + name, nil
}

func testBatches() []crawler.Batch {
	root := crawler.Root{OwnerID: "U-1", Directory: `Inventory`}
	return []crawler.Batch{
		{Root: root, Path: `Inventory`, Records: []crawler.Record{
			{ID: "d1", RecordType: crawler.RecordTypeDirectory, Name: "Props", Path: `Inventory`},
			{ID: "o1", RecordType: crawler.RecordTypeObject, Name: "Chair", Path: `Inventory`},
		}},
		{Root: root, Path: `Inventory\Props`, Records: []crawler.Record{
			{ID: "o2", RecordType: crawler.RecordTypeObject, Name: "Lamp", Path: `Inventory\Props`},
		}},
	}
}

func TestWriteStoresBatchesAndManifest(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a, err := New(store, sha256.New(), fixedClock{now: created}, Config{Prefix: "/harvests/"}, zap.NewNop())
	require.NoError(t, err)

	runID := uuid.MustParse("0190c1f4-7a2b-7c3d-8e4f-5a6b7c8d9e0f")
	manifest, err := a.Write(context.Background(), runID, testBatches())
	require.NoError(t, err)

	base := "harvests/" + runID.String() + "/"
	require.Equal(t, []string{
		base + "0001-inventory.json",
		base + "0002-inventory-props.json",
		base + "manifest.json",
	}, store.Keys())
	require.Equal(t, "memory://"+base+"manifest.json", manifest.URI)
	require.Equal(t, 2, manifest.Batches)
	require.Equal(t, 3, manifest.Records)
	require.Equal(t, created, manifest.CreatedAt)

	hasher := sha256.New()
	for _, entry := range manifest.Entries {
		payload, ok := store.Get(entry.Object)
		require.True(t, ok, entry.Object)
		require.True(t, hasher.Verify(payload, entry.Digest))
		require.Equal(t, "memory://"+entry.Object, entry.URI)
	}

	payload, ok := store.Get(base + "0002-inventory-props.json")
	require.True(t, ok)
	var batch crawler.Batch
	require.NoError(t, json.Unmarshal(payload, &batch))
	require.Equal(t, `Inventory\Props`, batch.Path)
	require.Equal(t, "Lamp", batch.Records[0].Name)

	raw, ok := store.Get(base + ManifestName)
	require.True(t, ok)
	var decoded Manifest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, runID, decoded.RunID)
	require.Len(t, decoded.Entries, 2)
	require.Equal(t, "U-1:Inventory", decoded.Entries[0].Root)
}

func TestWriteStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	store := &failingStore{failOn: runID.String() + "/0001-inventory.json"}
	a, err := New(store, sha256.New(), fixedClock{now: time.Now()}, Config{}, nil)
	require.NoError(t, err)

	_, err = a.Write(context.Background(), runID, testBatches())
	require.ErrorContains(t, err, "bucket unavailable")
	require.Len(t, store.puts, 1)
}

func TestWriteManifestFailure(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	store := &failingStore{failOn: runID.String() + "/" + ManifestName}
	a, err := New(store, sha256.New(), fixedClock{now: time.Now()}, Config{}, nil)
	require.NoError(t, err)

	_, err = a.Write(context.Background(), runID, testBatches())
	require.ErrorContains(t, err, "archive manifest")
	require.Len(t, store.puts, 3)
}

func TestWriteHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &failingStore{}
	a, err := New(store, sha256.New(), fixedClock{now: time.Now()}, Config{}, nil)
	require.NoError(t, err)

	_, err = a.Write(ctx, uuid.New(), testBatches())
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, store.puts)
}

func TestWriteEmptyRunStillWritesManifest(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a, err := New(store, sha256.New(), fixedClock{now: time.Now()}, Config{}, nil)
	require.NoError(t, err)

	runID := uuid.New()
	manifest, err := a.Write(context.Background(), runID, nil)
	require.NoError(t, err)
	require.Empty(t, manifest.Entries)
	require.Equal(t, []string{runID.String() + "/" + ManifestName}, store.Keys())
}

func TestSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: `Inventory`, want: "inventory"},
		{in: `Inventory\My Stuff & More`, want: "inventory-my-stuff-more"},
		{in: `/Inventory/A/`, want: "inventory-a"},
		{in: `Café`, want: "caf"},
		{in: ``, want: "root"},
		{in: `\\`, want: "root"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Slug(tt.in))
		})
	}

	require.Len(t, Slug(strings.Repeat("b", 100)), maxSlugLen)
	require.Equal(t, strings.Repeat("a", 63), Slug(strings.Repeat("a", 63)+" b"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Now()}
	_, err := New(nil, sha256.New(), clock, Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), nil, clock, Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), sha256.New(), nil, Config{}, nil)
	require.Error(t, err)
}
