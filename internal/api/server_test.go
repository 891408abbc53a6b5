package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/engine"
	"github.com/JakeFAU/marmelspade/internal/engine/memory"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewRequestID() string { return f.id }

type failingSearcher struct{ err error }

func (f failingSearcher) Search(context.Context, string, engine.SearchRequest) (engine.SearchResult, error) {
	return engine.SearchResult{}, f.err
}

func (failingSearcher) Healthy(context.Context) bool { return true }

type panickingSearcher struct{ failingSearcher }

func (panickingSearcher) Search(context.Context, string, engine.SearchRequest) (engine.SearchResult, error) {
	panic("engine exploded")
}

func newTestServer(t *testing.T, searcher engine.Searcher, cfg Config) *Server {
	t.Helper()
	if cfg.Index == "" {
		cfg.Index = "items"
	}
	s, err := NewServer(searcher, nil, fixedIDs{id: "req-1"}, cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func seededEngine(t *testing.T, n int) *memory.Engine {
	t.Helper()
	eng := memory.New()
	records := make([]crawler.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, crawler.Record{
			ID:           fmt.Sprintf("o%03d", i),
			RecordType:   crawler.RecordTypeObject,
			Name:         fmt.Sprintf("Chair %03d", i),
			Path:         `Inventory\Props`,
			AssetURI:     fmt.Sprintf("resdb:///chair%03d.brson", i),
			ThumbnailURL: fmt.Sprintf("https://assets.example/chair%03d", i),
		})
	}
	_, err := eng.AddDocuments(context.Background(), "items", records, "id")
	require.NoError(t, err)
	return eng
}

func serve(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.New(), Config{})
	rec := serve(s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsEngineHealth(t *testing.T) {
	t.Parallel()

	eng := memory.New()
	s := newTestServer(t, eng, Config{})
	require.Equal(t, http.StatusOK, serve(s, "/readyz").Code)

	eng.SetHealthy(false)
	rec := serve(s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "search engine unavailable")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.New(), Config{})
	serve(s, "/healthz")
	rec := serve(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRunsUnavailableWithoutHistory(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.New(), Config{})
	rec := serve(s, "/api/runs")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"run history unavailable"}`, rec.Body.String())
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	s, err := NewServer(panickingSearcher{}, nil, fixedIDs{id: "req-9"}, Config{Index: "items"}, zap.New(core))
	require.NoError(t, err)

	rec := serve(s, "/search?q=chair")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	require.Equal(t, "req-9", entries[0].ContextMap()["request_id"])
}

func TestRateLimitPerClient(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, seededEngine(t, 3), Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/search?q=chair", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	require.Equal(t, http.StatusOK, do("10.0.0.2:1000"))

	// Probes are never limited.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1003"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSweepClientsStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.New(), Config{RateLimitRPS: 1, RateLimitBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.SweepClients(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SweepClients did not return after cancel")
	}

	// Disabled limiter returns at once.
	newTestServer(t, memory.New(), Config{}).SweepClients(context.Background(), time.Millisecond, time.Hour)
}

func TestNewServerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, nil, fixedIDs{}, Config{Index: "items"}, nil)
	require.Error(t, err)
	_, err = NewServer(memory.New(), nil, nil, Config{Index: "items"}, nil)
	require.Error(t, err)
	_, err = NewServer(memory.New(), nil, fixedIDs{}, Config{}, nil)
	require.Error(t, err)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	require.Equal(t, "192.0.2.1", clientIP(req))
	req.RemoteAddr = "bare"
	require.Equal(t, "bare", clientIP(req))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	hj := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server}
	rw = &responseWriter{ResponseWriter: hj, status: http.StatusOK}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())

	hj.err = errors.New("boom")
	_, _, err = rw.Hijack()
	require.ErrorContains(t, err, "hijack connection")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
	err  error
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h.err != nil {
		return nil, nil, h.err
	}
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
