package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/app"
	"github.com/JakeFAU/marmelspade/internal/config"
	"github.com/JakeFAU/marmelspade/internal/crawler"
)

func inventoryAPI(t *testing.T) *httptest.Server {
	t.Helper()
	listings := map[string][]crawler.Record{
		"Inventory": {
			{ID: "D-1", RecordType: crawler.RecordTypeDirectory, Name: "Props", Path: "Inventory"},
			{ID: "O-1", RecordType: crawler.RecordTypeObject, Name: "Chair", Path: "Inventory",
				ThumbnailURI: "resdb:///chair.webp"},
		},
		`Inventory\Props`: {
			{ID: "O-2", RecordType: crawler.RecordTypeObject, Name: "Lamp", Path: `Inventory\Props`},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records, ok := listings[r.URL.Query().Get("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Harvest.RequestsPerSecond = 0
	cfg.Harvest.BackoffInitial = time.Millisecond
	cfg.Harvest.BackoffMax = time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts app.Options) *app.App {
	t.Helper()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	a, err := app.New(cfg, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Close(ctx))
	})
	return a
}

func TestDryRunPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	srv := inventoryAPI(t)
	cfg := testConfig(t)
	cfg.Harvest.APIBase = srv.URL
	cfg.Harvest.AssetBase = "https://assets.example"
	cfg.Harvest.InventoryPaths = []crawler.Root{{OwnerID: "U-1", Directory: "Inventory"}}
	cfg.Archive.Provider = config.ArchiveMemory
	cfg.Notify.Provider = config.NotifyMemory
	cfg.Notify.Topic = "harvests"

	a := newApp(t, cfg, app.Options{})
	p, err := a.BuildPipeline(context.Background(), app.HarvestOptions{DryRun: true})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Harvest.Visited)
	require.Equal(t, 3, report.Harvest.Records)
	require.NotNil(t, report.Manifest)
	require.Equal(t, 2, report.Manifest.Batches)
	require.NotNil(t, report.Sync)
	require.Equal(t, 2, report.Sync.Terminal)
	require.NotEmpty(t, report.NoticeID)

	eng := a.DryRunEngine()
	require.NotNil(t, eng)
	docs := eng.Documents(cfg.Search.IndexName)
	require.Len(t, docs, 2)
	names := map[string]string{}
	for _, d := range docs {
		names[d.Name] = d.ThumbnailURL
	}
	require.Equal(t, map[string]string{"Chair": "https://assets.example/chair", "Lamp": ""}, names)
}

func TestSkipSyncArchivesToDisk(t *testing.T) {
	t.Parallel()

	srv := inventoryAPI(t)
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Harvest.APIBase = srv.URL
	cfg.Harvest.InventoryPaths = []crawler.Root{{OwnerID: "U-1", Directory: "Inventory"}}
	cfg.Archive.Provider = config.ArchiveLocal
	cfg.Archive.BaseDir = dir

	a := newApp(t, cfg, app.Options{})
	p, err := a.BuildPipeline(context.Background(), app.HarvestOptions{SkipSync: true})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, report.Sync)
	require.Nil(t, a.DryRunEngine())
	require.NotNil(t, report.Manifest)

	manifest := filepath.Join(dir, "harvests", report.RunID.String(), "manifest.json")
	_, err = os.Stat(manifest)
	require.NoError(t, err)
}

func TestBuildPipelineValidates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg, app.Options{})
	_, err := a.BuildPipeline(context.Background(), app.HarvestOptions{DryRun: true})
	require.ErrorContains(t, err, "inventory_paths")

	cfg.Harvest.InventoryPaths = []crawler.Root{{OwnerID: "U-1", Directory: "Inventory"}}
	a = newApp(t, cfg, app.Options{})
	_, err = a.BuildPipeline(context.Background(), app.HarvestOptions{})
	require.ErrorContains(t, err, "master_key")

	a = newApp(t, cfg, app.Options{})
	_, err = a.BuildPipeline(context.Background(), app.HarvestOptions{DryRun: true, Strategy: "sideways"})
	require.Error(t, err)
}

func TestBuildPipelineRequiresKeyPersistence(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Harvest.InventoryPaths = []crawler.Root{{OwnerID: "U-1", Directory: "Inventory"}}
	cfg.Search.MasterKey = "master"

	a := newApp(t, cfg, app.Options{})
	_, err := a.BuildPipeline(context.Background(), app.HarvestOptions{})
	require.ErrorContains(t, err, "config file")

	a = newApp(t, cfg, app.Options{ConfigPath: filepath.Join(t.TempDir(), "config.json")})
	_, err = a.BuildPipeline(context.Background(), app.HarvestOptions{})
	require.NoError(t, err)

	a = newApp(t, cfg, app.Options{})
	_, err = a.BuildPipeline(context.Background(), app.HarvestOptions{DryRun: true})
	require.NoError(t, err)
}

func TestBuildGatewayRequiresSearchKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg, app.Options{})
	_, err := a.BuildGateway(context.Background())
	require.ErrorContains(t, err, "search_key")

	cfg.Search.SearchKey = "search-only"
	a = newApp(t, cfg, app.Options{})
	srv, err := a.BuildGateway(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRotatorRequiresMasterKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg, app.Options{})
	_, err := a.BuildRotator()
	require.ErrorContains(t, err, "master_key")

	cfg.Search.MasterKey = "master"
	a = newApp(t, cfg, app.Options{})
	_, err = a.BuildRotator()
	require.ErrorContains(t, err, "config file")

	a = newApp(t, cfg, app.Options{ConfigPath: filepath.Join(t.TempDir(), "config.json")})
	rotator, err := a.BuildRotator()
	require.NoError(t, err)
	require.Equal(t, cfg.Search.IndexName+"_next", rotator.StagingIndex())
}

func TestNewRequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := app.New(config.Config{}, app.Options{}, nil)
	require.Error(t, err)
}
