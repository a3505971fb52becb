package collapser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCollapser(cacheFor time.Duration) *Collapser {
	c := NewCollapser(Config{
		ResultCacheDuration: cacheFor,
		BackendTimeout:      time.Second,
		CleanupInterval:     10 * time.Millisecond,
	})
	c.Start()
	return c
}

// TestRequestCollapseSingleKey verifies that concurrent requests with the same
// key share one backend call.
func TestRequestCollapseSingleKey(t *testing.T) {
	c := newTestCollapser(0)
	defer c.Stop()

	var backendCalls int32
	release := make(chan struct{})

	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&backendCalls, 1)
		<-release
		return []byte("ok"), nil
	}

	const goroutines = 100
	var wg sync.WaitGroup
	var started sync.WaitGroup
	wg.Add(goroutines)
	started.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			started.Done()
			resp, err := c.Execute(context.Background(), "same-key", fn)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if string(resp) != "ok" {
				t.Errorf("unexpected response: %q", resp)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if backendCalls != 1 {
		t.Fatalf("expected 1 backend call, got %d", backendCalls)
	}
}

// TestDifferentKeysDontCollapse verifies that distinct keys each reach the backend.
func TestDifferentKeysDontCollapse(t *testing.T) {
	c := newTestCollapser(0)
	defer c.Stop()

	var backendCalls int32

	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&backendCalls, 1)
		return []byte("ok"), nil
	}

	const keys = 10
	var wg sync.WaitGroup
	wg.Add(keys)

	for i := 0; i < keys; i++ {
		go func(i int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+i))
			if _, err := c.Execute(context.Background(), key, fn); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()

	if backendCalls != keys {
		t.Fatalf("expected %d backend calls, got %d", keys, backendCalls)
	}
}

// TestContextCancellation verifies that a cancelled context unblocks the caller.
func TestContextCancellation(t *testing.T) {
	c := newTestCollapser(0)
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	fn := func(ctx context.Context) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return []byte("ok"), nil
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := c.Execute(ctx, "cancel-key", fn)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("request did not unblock after cancellation")
	}
}

func TestResultCacheAndForget(t *testing.T) {
	c := newTestCollapser(time.Hour)
	defer c.Stop()

	var backendCalls int32
	fn := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&backendCalls, 1)
		return []byte{byte('0' + n)}, nil
	}

	first, err := c.Execute(context.Background(), "k", fn)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Execute(context.Background(), "k", fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "1" || string(second) != "1" {
		t.Fatalf("expected cached result, got %q then %q", first, second)
	}

	c.Forget("k")
	third, err := c.Execute(context.Background(), "k", fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(third) != "2" {
		t.Fatalf("expected fresh result after Forget, got %q", third)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := newTestCollapser(time.Hour)
	defer c.Stop()

	boom := errors.New("boom")
	var backendCalls int32
	fn := func(ctx context.Context) ([]byte, error) {
		if atomic.AddInt32(&backendCalls, 1) == 1 {
			return nil, boom
		}
		return []byte("ok"), nil
	}

	if _, err := c.Execute(context.Background(), "k", fn); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	resp, err := c.Execute(context.Background(), "k", fn)
	if err != nil || string(resp) != "ok" {
		t.Fatalf("expected retry to succeed, got %q, %v", resp, err)
	}
}

func TestCleanupExpiresResults(t *testing.T) {
	c := newTestCollapser(20 * time.Millisecond)
	defer c.Stop()

	fn := func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil }
	if _, err := c.Execute(context.Background(), "k", fn); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached result, got %d", c.Len())
	}

	deadline := time.After(time.Second)
	for c.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("cached result was never cleaned up")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackendTimeoutIsDetached(t *testing.T) {
	c := NewCollapser(Config{BackendTimeout: 30 * time.Millisecond})
	c.Start()
	defer c.Stop()

	fn := func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := c.Execute(context.Background(), "slow", fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected backend deadline, got %v", err)
	}
}

func TestExecuteAfterStop(t *testing.T) {
	c := newTestCollapser(time.Hour)
	c.Stop()
	c.Stop()

	_, err := c.Execute(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		t.Error("backend must not be called after Stop")
		return nil, nil
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

// TestForgetDetachesInflightCall verifies that an Execute after Forget does
// not join a call that started before it, and that the older call's result
// does not land in the cache.
func TestForgetDetachesInflightCall(t *testing.T) {
	c := newTestCollapser(time.Hour)
	defer c.Stop()

	var version atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	fn := func(ctx context.Context) ([]byte, error) {
		v := version.Load()
		started <- struct{}{}
		if v == 0 {
			<-release
		}
		return []byte{byte('0' + v)}, nil
	}

	early := make(chan []byte, 1)
	go func() {
		resp, err := c.Execute(context.Background(), "k", fn)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		early <- resp
	}()
	<-started

	version.Store(1)
	c.Forget("k")
	fresh, err := c.Execute(context.Background(), "k", fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(fresh) != "1" {
		t.Fatalf("expected data read after Forget, got %q", fresh)
	}

	close(release)
	if got := <-early; string(got) != "0" {
		t.Fatalf("expected the earlier caller to keep its own result, got %q", got)
	}

	cached, err := c.Execute(context.Background(), "k", fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(cached) != "1" {
		t.Fatalf("expected the newer result to stay cached, got %q", cached)
	}
}

func TestCleanupSkipsWhenNothingExpired(t *testing.T) {
	c := NewCollapser(Config{ResultCacheDuration: time.Hour})
	fn := func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil }
	if _, err := c.Execute(context.Background(), "k", fn); err != nil {
		t.Fatal(err)
	}

	c.cleanup(time.Now())
	if c.Len() != 1 || c.expiries.Len() != 1 {
		t.Fatalf("expected unexpired entry to survive, got %d cached, %d scheduled", c.Len(), c.expiries.Len())
	}

	c.cleanup(time.Now().Add(2 * time.Hour))
	if c.Len() != 0 || c.expiries.Len() != 0 {
		t.Fatalf("expected entry to expire, got %d cached, %d scheduled", c.Len(), c.expiries.Len())
	}
}
