package gcs_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/marmelspade/internal/storage/gcs"
)

type upload struct {
	path   string
	name   string
	upload string
	body   string
}

func newTestStore(t *testing.T, status int, cfg gcs.Config) (*gcs.BlobStore, <-chan upload) {
	t.Helper()

	uploads := make(chan upload, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		uploads <- upload{
			path:   r.URL.Path,
			name:   r.URL.Query().Get("name"),
			upload: r.URL.Query().Get("uploadType"),
			body:   string(body),
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"`+r.URL.Query().Get("name")+`","bucket":"`+cfg.Bucket+`"}`)
	}))
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store, uploads
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	store, uploads := newTestStore(t, http.StatusOK, gcs.Config{Bucket: "archive", Prefix: "/harvests/"})
	uri, err := store.PutObject(context.Background(), "run-1/manifest.json", "application/json",
		bytes.NewReader([]byte(`{"batches":2}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/harvests/run-1/manifest.json", uri)

	got := <-uploads
	require.Contains(t, got.path, "/upload/storage/v1/b/archive/o")
	require.Equal(t, "harvests/run-1/manifest.json", got.name)
	require.Equal(t, "multipart", got.upload)
	require.Contains(t, got.body, `{"batches":2}`)
}

func TestPutObjectReportsServerError(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, http.StatusForbidden, gcs.Config{Bucket: "archive"})
	_, err := store.PutObject(context.Background(), "run-1/0001-root.json", "application/json",
		bytes.NewReader([]byte("{}")))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, http.StatusOK, gcs.Config{Bucket: "archive"})
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "archive"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint("http://127.0.0.1:0"), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint("http://127.0.0.1:0"), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	plain, err := gcs.New(client, gcs.Config{Bucket: "archive"})
	require.NoError(t, err)
	require.Equal(t, "a/b.json", plain.ObjectName("a/b.json"))

	prefixed, err := gcs.New(client, gcs.Config{Bucket: "archive", Prefix: "p"})
	require.NoError(t, err)
	require.Equal(t, "p/a/b.json", prefixed.ObjectName("a/b.json"))
}
