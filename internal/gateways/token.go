package gateway

import (
	"context"
	"sync"
	"time"
)

// expirySkew is subtracted from the provider-declared lifetime so a token is
// never presented right at its expiry boundary.
const expirySkew = 30 * time.Second

// fetchFunc obtains a fresh credential and its declared lifetime.
type fetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

type tokenFetch struct {
	done  chan struct{}
	token string
	err   error
}

// TokenSource caches a bearer credential and shares a single in-flight fetch
// between concurrent callers. A cached token is served until its skewed
// expiry; only the first caller past expiry performs the refresh, everyone
// else waits on the same flight.
type TokenSource struct {
	fetch fetchFunc

	mu       sync.Mutex
	token    string
	expiry   time.Time
	inflight *tokenFetch
}

func NewTokenSource(fetch fetchFunc) *TokenSource {
	return &TokenSource{fetch: fetch}
}

func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()

	if ts.token != "" && time.Now().Before(ts.expiry) {
		token := ts.token
		ts.mu.Unlock()
		return token, nil
	}

	if f := ts.inflight; f != nil {
		ts.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-f.done:
			return f.token, f.err
		}
	}

	f := &tokenFetch{done: make(chan struct{})}
	ts.inflight = f
	ts.mu.Unlock()

	token, ttl, err := ts.fetch(ctx)

	ts.mu.Lock()
	if err == nil {
		ts.token = token
		ts.expiry = time.Now().Add(ttl - expirySkew)
	}
	ts.inflight = nil
	ts.mu.Unlock()

	f.token = token
	f.err = err
	close(f.done)

	return token, err
}

// Invalidate drops the cached token so the next caller fetches a fresh one.
// Used when the gateway rejects a request with an authorization failure.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiry = time.Time{}
	ts.mu.Unlock()
}
