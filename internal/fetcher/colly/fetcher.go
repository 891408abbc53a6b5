// Package collyfetcher implements crawler.TreeFetcher using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/marmelspade/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// AuthUser and AuthToken are sent as "Authorization: res <user>:<token>"
	// when both are set.
	AuthUser  string
	AuthToken string
	// MaxBodySize caps response bodies in bytes. Zero keeps the colly default.
	MaxBodySize int
}

// Fetcher implements crawler.TreeFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Listings are plain API calls, so robots.txt is not
// consulted and the same URL may be fetched again on retry.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// FetchChildren lists one directory. JSON bodies are decoded into records;
// any other content type comes back as text with Structured unset.
func (f *Fetcher) FetchChildren(ctx context.Context, req crawler.TreeRequest) (crawler.Listing, error) {
	target, err := req.URL()
	if err != nil {
		return crawler.Listing{}, fmt.Errorf("build listing url: %w", err)
	}

	var (
		resp     capturedResponse
		fetchErr error
	)
	collector := f.buildCollector(&resp, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.Listing{}, err
	}
	listing, err := decodeListing(resp.contentType, resp.body)
	if err != nil {
		return crawler.Listing{}, fmt.Errorf("listing %s: %w", req.Path, err)
	}
	return listing, nil
}

type capturedResponse struct {
	status      int
	contentType string
	body        []byte
}

func (f *Fetcher) buildCollector(resp *capturedResponse, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	if f.transport != nil {
		collector.WithTransport(f.transport)
	}
	f.configureCollectorHooks(collector, resp, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, resp *capturedResponse, fetchErr *error) {
	auth := f.authorization()
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		if auth != "" {
			r.Headers.Set("Authorization", auth)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp.status = r.StatusCode
		if r.Headers != nil {
			resp.contentType = r.Headers.Get("Content-Type")
		}
		resp.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = &crawler.StatusError{StatusCode: r.StatusCode, Err: err}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) authorization() string {
	if f.cfg.AuthUser == "" || f.cfg.AuthToken == "" {
		return ""
	}
	return "res " + f.cfg.AuthUser + ":" + f.cfg.AuthToken
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func decodeListing(contentType string, body []byte) (crawler.Listing, error) {
	if !isJSON(contentType) {
		return crawler.Listing{ContentType: contentType, Text: string(body)}, nil
	}
	var records []crawler.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return crawler.Listing{}, fmt.Errorf("decode records: %w", err)
	}
	return crawler.Listing{ContentType: contentType, Structured: true, Records: records}, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
