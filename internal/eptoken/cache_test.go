package eptoken

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_GetCachesWithinTTL(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "tok-1", 2 * time.Hour, nil
	})

	for i := 0; i < 5; i++ {
		tok, err := c.Get(context.Background(), "corp", "secret", "app")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("token = %q, want tok-1", tok)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestCache_RefreshesAfterExpiryBuffer(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "tok-1", 30 * time.Second, nil // within the 60s buffer: next Get refreshes
		}
		return "tok-2", 2 * time.Hour, nil
	})

	tok, err := c.Get(context.Background(), "corp", "secret", "app")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q, want tok-1", tok)
	}

	tok, err = c.Get(context.Background(), "corp", "secret", "app")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("token = %q, want tok-2 (expired within buffer)", tok)
	}
}

func TestCache_ConcurrentGetsShareOneRefresh(t *testing.T) {
	var calls int32
	block := make(chan struct{})
	c := New(func(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		<-block
		return "tok", time.Hour, nil
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Get(context.Background(), "corp", "secret", "app")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fetch called %d times, want exactly 1 for concurrent callers", got)
	}
	for i, r := range results {
		if r != "tok" {
			t.Errorf("result[%d] = %q, want tok", i, r)
		}
	}
}

func TestCache_Invalidate(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "tok", time.Hour, nil
	})

	if _, err := c.Get(context.Background(), "corp", "secret", "app"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate("corp", "app")
	if _, err := c.Get(context.Background(), "corp", "secret", "app"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("fetch called %d times, want 2 (invalidate forces refresh)", got)
	}
}

func TestCache_RefreshErrorDoesNotPoisonCache(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context, corpID, corpSecret string) (string, time.Duration, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "", 0, context.DeadlineExceeded
		}
		return "tok", time.Hour, nil
	})

	if _, err := c.Get(context.Background(), "corp", "secret", "app"); err == nil {
		t.Fatal("expected first call to fail")
	}
	tok, err := c.Get(context.Background(), "corp", "secret", "app")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "tok" {
		t.Errorf("token = %q, want tok", tok)
	}
}
