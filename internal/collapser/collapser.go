package collapser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VarunGitGood/livedata/internal/expiryheap"
	"github.com/VarunGitGood/livedata/internal/logger"
	"github.com/VarunGitGood/livedata/internal/monitoring"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = errors.New("collapser: shutting down")

type Config struct {
	// ResultCacheDuration is how long a successful result is served without
	// reaching the backend. Zero disables the cache.
	ResultCacheDuration time.Duration
	BackendTimeout      time.Duration
	CleanupInterval     time.Duration
}

// Collapser shares one backend call between concurrent identical queries and
// briefly caches successful results.
type Collapser struct {
	mu     sync.Mutex
	config Config

	group    singleflight.Group
	cache    map[string]*cachedResult
	expiries expiryheap.Heap
	// gens counts Forget calls per key. A call started under an older
	// generation must not cache its result.
	gens map[string]uint64

	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type cachedResult struct {
	data      []byte
	expiresAt time.Time
}

func NewCollapser(cfg Config) *Collapser {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Second
	}
	return &Collapser{
		config: cfg,
		cache:  make(map[string]*cachedResult),
		gens:   make(map[string]uint64),
		stopCh: make(chan struct{}),
	}
}

func (c *Collapser) Start() error {
	c.wg.Add(1)
	go c.cleanupLoop()
	return nil
}

func (c *Collapser) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
		monitoring.CachedResults.Sub(float64(len(c.cache)))
		c.cache = make(map[string]*cachedResult)
		c.gens = make(map[string]uint64)
		c.expiries = nil
	})
	return nil
}

// Execute runs fn at most once per key among concurrent callers. fn gets a
// context detached from the caller's, bounded by BackendTimeout, so one
// caller giving up does not abort the call for the others.
func (c *Collapser) Execute(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	monitoring.RequestsTotal.Inc()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if cached, ok := c.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		monitoring.CacheHitsTotal.Inc()
		return cached.data, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()

	executed := false
	ch := c.group.DoChan(key, func() (interface{}, error) {
		executed = true
		return c.call(key, gen, fn)
	})

	select {
	case res := <-ch:
		if !executed {
			monitoring.CollapsedRequestsTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops any cached result for key and detaches an inflight call, so
// the next Execute issues a new backend call. Callers already waiting on the
// detached call still receive its result.
func (c *Collapser) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.group.Forget(key)
	if _, ok := c.cache[key]; ok {
		delete(c.cache, key)
		monitoring.CachedResults.Dec()
	}
}

func (c *Collapser) call(key string, gen uint64, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	monitoring.InflightRequests.Inc()
	monitoring.BackendCallsTotal.Inc()
	defer monitoring.InflightRequests.Dec()

	backendCtx, cancel := context.WithTimeout(context.Background(), c.config.BackendTimeout)
	defer cancel()

	start := time.Now()
	data, err := fn(backendCtx)
	monitoring.BackendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Debug("backend call failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	if c.config.ResultCacheDuration > 0 {
		c.mu.Lock()
		if !c.stopped && c.gens[key] == gen {
			if _, exists := c.cache[key]; !exists {
				monitoring.CachedResults.Inc()
			}
			expiresAt := time.Now().Add(c.config.ResultCacheDuration)
			c.cache[key] = &cachedResult{data: data, expiresAt: expiresAt}
			c.expiries.Schedule(key, expiresAt)
		}
		c.mu.Unlock()
	}
	return data, nil
}

func (c *Collapser) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collapser) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next, ok := c.expiries.Peek(); !ok || next.ExpiresAt.After(now) {
		return
	}
	for _, item := range c.expiries.PopExpired(now) {
		cached, ok := c.cache[item.Key]
		// A later result for the same key has its own heap item.
		if !ok || cached.expiresAt.After(now) {
			continue
		}
		delete(c.cache, item.Key)
		monitoring.CachedResults.Dec()
	}
}

// Len reports the number of cached results.
func (c *Collapser) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
