package syncer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func TestBackoffDelay(t *testing.T) {
	c := BackoffConfig{InitialDelay: 5 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := c.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	c := DefaultBackoffConfig()
	for i := 0; i < 100; i++ {
		d := c.Delay(1)
		if d < 4500*time.Millisecond || d > 5500*time.Millisecond {
			t.Fatalf("Delay(1) = %s outside 10%% jitter", d)
		}
		if d := c.Delay(20); d > c.MaxDelay {
			t.Fatalf("Delay(20) = %s above cap", d)
		}
	}
}

func TestRateLimitedReader(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 3000)
	bucket := newTokenBucket(1000)

	start := time.Now()
	got, err := io.ReadAll(newRateLimitedReader(context.Background(), bytes.NewReader(data), bucket))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}
	// One second of burst, then two more seconds of tokens.
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("3000 bytes at 1000 B/s took %s", elapsed)
	}
}

func TestRateLimitedReaderCancelled(t *testing.T) {
	bucket := newTokenBucket(10)
	bucket.tokens = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRateLimitedReader(ctx, bytes.NewReader(make([]byte, 100)), bucket)
	if _, err := r.Read(make([]byte, 100)); err != context.Canceled {
		t.Errorf("Read error = %v, want context.Canceled", err)
	}
}

func TestUnlimitedReader(t *testing.T) {
	src := strings.NewReader("abc")
	if r := newRateLimitedReader(context.Background(), src, nil); r != io.Reader(src) {
		t.Error("nil bucket should return the source reader")
	}
}
