package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marmelspade/internal/crawler"
)

func TestFetchChildrenDecodesJSON(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`[{"id":"R-1","recordType":"directory","name":"Props","path":"Inventory\\My Stuff"},` +
			`{"id":"R-2","recordType":"object","name":"Chair","path":"Inventory\\My Stuff","thumbnailUri":"resdb:///abc.webp"}]`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "marmelspade-test", Timeout: 2 * time.Second})
	listing, err := f.FetchChildren(context.Background(), crawler.TreeRequest{
		APIBase: srv.URL,
		OwnerID: "U-1",
		Path:    `Inventory\My Stuff`,
	})
	require.NoError(t, err)
	require.True(t, listing.Structured)
	require.Len(t, listing.Records, 2)
	require.Equal(t, crawler.RecordTypeDirectory, listing.Records[0].RecordType)
	require.Equal(t, "resdb:///abc.webp", listing.Records[1].ThumbnailURI)

	got := <-seen
	require.Equal(t, "/users/U-1/records", got.URL.Path)
	require.Equal(t, `Inventory\My Stuff`, got.URL.Query().Get("path"))
	require.Equal(t, "application/json", got.Header.Get("Accept"))
	require.Equal(t, "marmelspade-test", got.Header.Get("User-Agent"))
}

func TestFetchChildrenSendsCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "user and token", cfg: Config{AuthUser: "U-1", AuthToken: "tok"}, want: "res U-1:tok"},
		{name: "token only", cfg: Config{AuthToken: "tok"}, want: ""},
		{name: "none", cfg: Config{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seen := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen <- r.Header.Get("Authorization")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`[]`))
			}))
			defer srv.Close()

			tt.cfg.Timeout = 2 * time.Second
			_, err := New(tt.cfg).FetchChildren(context.Background(),
				crawler.TreeRequest{APIBase: srv.URL, OwnerID: "G-1", Path: "Inventory"})
			require.NoError(t, err)
			require.Equal(t, tt.want, <-seen)
		})
	}
}

func TestFetchChildrenReturnsTextListing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	listing, err := f.FetchChildren(context.Background(), crawler.TreeRequest{APIBase: srv.URL, OwnerID: "U-1", Path: "Inventory"})
	require.NoError(t, err)
	require.False(t, listing.Structured)
	require.Equal(t, "slow down", listing.Text)
	require.Equal(t, "text/plain", listing.ContentType)
}

func TestFetchChildrenStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.FetchChildren(context.Background(), crawler.TreeRequest{APIBase: srv.URL, OwnerID: "U-1", Path: "gone"})
	require.Error(t, err)
	var statusErr *crawler.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestFetchChildrenMalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":`))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.FetchChildren(context.Background(), crawler.TreeRequest{APIBase: srv.URL, OwnerID: "U-1", Path: "x"})
	var syntaxErr *json.SyntaxError
	require.True(t, errors.As(err, &syntaxErr))
}

func TestFetchChildrenHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.FetchChildren(ctx, crawler.TreeRequest{APIBase: srv.URL, OwnerID: "U-1", Path: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchChildrenRejectsBadRequest(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.FetchChildren(context.Background(), crawler.TreeRequest{APIBase: "not a url", OwnerID: "U-1"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var resp capturedResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &resp, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "application/json", collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("[]"),
		Headers:    &http.Header{"Content-Type": {"application/json"}},
	})
	require.Equal(t, http.StatusOK, resp.status)
	require.Equal(t, "application/json", resp.contentType)
	require.Equal(t, "[]", string(resp.body))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	var statusErr *crawler.StatusError
	require.True(t, errors.As(fetchErr, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	hooks.onError(nil, errors.New("dial tcp: refused"))
	require.EqualError(t, fetchErr, "dial tcp: refused")
}

func TestDecodeListingContentTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		structured  bool
	}{
		{name: "json", contentType: "application/json", structured: true},
		{name: "json with charset", contentType: "application/json; charset=utf-8", structured: true},
		{name: "vendor json", contentType: "application/vnd.api+json", structured: true},
		{name: "html", contentType: "text/html", structured: false},
		{name: "missing", contentType: "", structured: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			listing, err := decodeListing(tt.contentType, []byte("[]"))
			require.NoError(t, err)
			require.Equal(t, tt.structured, listing.Structured)
		})
	}
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
