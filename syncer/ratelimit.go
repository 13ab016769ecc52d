package syncer

import (
	"context"
	"io"
	"sync"
	"time"
)

// rateLimitedReader wraps an io.Reader with bandwidth limiting.
// It uses a token bucket shared by all uploads of a Worker.
type rateLimitedReader struct {
	ctx       context.Context
	reader    io.Reader
	bucket    *tokenBucket
	chunkSize int
}

func newRateLimitedReader(ctx context.Context, r io.Reader, bucket *tokenBucket) io.Reader {
	if bucket == nil {
		return r
	}
	return &rateLimitedReader{
		ctx:       ctx,
		reader:    r,
		bucket:    bucket,
		chunkSize: 32 * 1024,
	}
}

// Read implements io.Reader with rate limiting.
func (r *rateLimitedReader) Read(p []byte) (int, error) {
	toRead := len(p)
	if toRead > r.chunkSize {
		toRead = r.chunkSize
	}
	if int64(toRead) > r.bucket.maxTokens {
		toRead = int(r.bucket.maxTokens)
	}

	if err := r.bucket.wait(r.ctx, toRead); err != nil {
		return 0, err
	}

	n, err := r.reader.Read(p[:toRead])
	if n < toRead {
		r.bucket.returnTokens(toRead - n)
	}
	return n, err
}

// tokenBucket implements a token bucket rate limiter.
// It's safe for concurrent use.
type tokenBucket struct {
	rate       int64 // bytes per second
	tokens     int64
	maxTokens  int64 // burst size
	lastRefill time.Time
	mu         sync.Mutex
}

// newTokenBucket creates a bucket holding one second of tokens.
// It returns nil, meaning unlimited, for a non-positive rate.
func newTokenBucket(bytesPerSecond int64) *tokenBucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &tokenBucket{
		rate:       bytesPerSecond,
		tokens:     bytesPerSecond,
		maxTokens:  bytesPerSecond,
		lastRefill: time.Now(),
	}
}

// wait blocks until n tokens are available and consumes them.
func (tb *tokenBucket) wait(ctx context.Context, n int) error {
	if tb == nil {
		return nil
	}
	needed := int64(n)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()

	for tb.tokens < needed {
		deficit := needed - tb.tokens
		waitDuration := time.Duration(deficit) * time.Second / time.Duration(tb.rate)

		tb.mu.Unlock()
		t := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			t.Stop()
			tb.mu.Lock()
			return ctx.Err()
		case <-t.C:
		}
		tb.mu.Lock()
		tb.refill()
	}

	tb.tokens -= needed
	return nil
}

// returnTokens gives back tokens a short read did not use.
func (tb *tokenBucket) returnTokens(n int) {
	if tb == nil || n <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens += int64(n)
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
}

// refill adds tokens for the time elapsed since the last refill.
// Must be called with mu held.
func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int64(elapsed.Seconds() * float64(tb.rate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
}
