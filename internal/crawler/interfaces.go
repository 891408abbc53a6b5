package crawler

import (
	"context"
	"time"
)

// TreeFetcher reads the children of one remote directory. Implementations must
// return network and decode failures instead of retrying them.
type TreeFetcher interface {
	FetchChildren(ctx context.Context, req TreeRequest) (Listing, error)
}

// Normalizer maps a raw asset locator to a public URL.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

// Limiter paces requests against the upstream API.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy decides whether a failed directory fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
