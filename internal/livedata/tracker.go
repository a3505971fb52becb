package livedata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VarunGitGood/livedata/internal/coalescer"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/VarunGitGood/livedata/internal/monitoring"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventSource opens the backend's asset event stream. *graphql.Subscriber
// satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, query string, vars map[string]any) (*graphql.Subscription, error)
}

type TrackerConfig struct {
	Keys    []AssetKey
	Fetcher *Fetcher
	// Events is optional; without it the tracker only polls.
	Events EventSource

	RefetchDelay time.Duration
	// PollInterval of zero disables polling.
	PollInterval time.Duration
	MaxBackoff   time.Duration

	Scheduler coalescer.Scheduler
	Logger    *zap.Logger
}

// Tracker keeps live data for a fixed set of assets current. It refetches on
// a poll interval and whenever the event stream reports activity, with
// bursts of events coalesced into a single trailing refetch.
type Tracker struct {
	cfg    TrackerConfig
	logger *zap.Logger

	coalescer *coalescer.Coalescer
	status    atomic.Int32
	inflight  atomic.Int32

	mu        sync.RWMutex
	result    Result
	listeners map[uint64]func(Result)
	nextID    uint64

	// lifeMu orders Start, Stop and coalesced refreshes joining wg.
	lifeMu   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopping bool
	stopOnce sync.Once
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.RefetchDelay <= 0 {
		cfg.RefetchDelay = coalescer.DefaultDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:       cfg,
		logger:    cfg.Logger,
		listeners: make(map[uint64]func(Result)),
		result: Result{
			LiveData: map[string]LiveDataForNode{},
			Status:   StatusLoading,
			Loading:  true,
		},
	}
	t.status.Store(int32(StatusLoading))
	return t
}

// Start launches the initial fetch, the poll loop and the event
// subscription. It does not wait for the first fetch.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.started.Load() || t.stopping {
		return errors.New("livedata: tracker already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.coalescer = coalescer.New(coalescer.Config{
		Delay:     t.cfg.RefetchDelay,
		Refresh:   t.refreshFromSignal,
		Busy:      t.Busy,
		Scheduler: t.cfg.Scheduler,
		Logger:    t.logger.Named("coalescer"),
	})
	t.started.Store(true)

	t.wg.Add(1)
	go t.pollLoop(t.ctx)

	if t.cfg.Events != nil {
		t.wg.Add(1)
		go t.subscribeLoop(t.ctx)
	}

	t.logger.Info("tracker started",
		zap.Int("assets", len(t.cfg.Keys)),
		zap.Duration("refetch_delay", t.cfg.RefetchDelay),
		zap.Duration("poll_interval", t.cfg.PollInterval))
	return nil
}

// Stop ends the loops and disposes of the coalescer. It waits for a
// coalesced refetch already running, and none starts afterwards.
func (t *Tracker) Stop() {
	t.lifeMu.Lock()
	if !t.started.Load() {
		t.lifeMu.Unlock()
		return
	}
	t.stopping = true
	t.lifeMu.Unlock()

	t.stopOnce.Do(func() {
		t.cancel()
		t.coalescer.Close()
		t.wg.Wait()
		t.logger.Info("tracker stopped")
	})
}

// Status reports the state of the underlying query.
func (t *Tracker) Status() NetworkStatus {
	return NetworkStatus(t.status.Load())
}

// Busy reports whether any fetch is in flight.
func (t *Tracker) Busy() bool {
	return t.inflight.Load() > 0
}

// Signal tells the tracker fresher data may exist.
func (t *Tracker) Signal() {
	if !t.started.Load() {
		return
	}
	t.coalescer.Signal()
}

// Result returns the current snapshot.
func (t *Tracker) Result() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.result.clone()
	out.Status = t.Status()
	return out
}

// Refresh refetches immediately and returns the resulting snapshot.
func (t *Tracker) Refresh(ctx context.Context) (Result, error) {
	if !t.started.Load() {
		return Result{}, ErrNotStarted
	}
	err := t.fetch(ctx, StatusRefetch)
	return t.Result(), err
}

// OnUpdate registers fn to receive every new snapshot. The returned func
// removes it.
func (t *Tracker) OnUpdate(fn func(Result)) (remove func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) refreshFromSignal() {
	t.lifeMu.Lock()
	if t.stopping {
		t.lifeMu.Unlock()
		return
	}
	t.wg.Add(1)
	t.lifeMu.Unlock()
	defer t.wg.Done()

	_ = t.fetch(t.ctx, StatusRefetch)
}

func (t *Tracker) fetch(ctx context.Context, mode NetworkStatus) error {
	t.inflight.Add(1)
	t.status.Store(int32(mode))

	nodes, err := t.cfg.Fetcher.Fetch(ctx, t.cfg.Keys, mode != StatusLoading)

	if err != nil && t.ctx.Err() != nil {
		// Cut short by Stop; the last snapshot stays as it was.
		t.mu.Lock()
		if t.inflight.Add(-1) == 0 {
			t.settleLocked(t.result.Error != "")
		}
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if err != nil {
		monitoring.FetchErrorsTotal.Inc()
		t.result.Error = err.Error()
	} else {
		t.result.LiveData = nodes
		t.result.Loading = false
		t.result.Error = ""
		t.result.UpdatedAt = time.Now().UTC()
		monitoring.LastRefreshTimestamp.SetToCurrentTime()
	}
	if t.inflight.Add(-1) == 0 {
		t.settleLocked(err != nil)
	}
	t.result.Status = t.Status()
	snapshot := t.result.clone()
	listeners := make([]func(Result), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("live data fetch failed", zap.Stringer("mode", mode), zap.Error(err))
	} else {
		t.logger.Debug("live data refreshed", zap.Stringer("mode", mode), zap.Int("assets", len(nodes)))
	}

	for _, fn := range listeners {
		fn(snapshot)
	}
	return err
}

func (t *Tracker) settleLocked(failed bool) {
	if failed {
		t.status.Store(int32(StatusError))
	} else {
		t.status.Store(int32(StatusReady))
	}
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	_ = t.fetch(ctx, StatusLoading)

	if t.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.Busy() {
				continue
			}
			_ = t.fetch(ctx, StatusPoll)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) subscribeLoop(ctx context.Context) {
	defer t.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = t.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	vars := map[string]any{"assetKeys": keyInputs(t.cfg.Keys)}

	for {
		sub, err := t.cfg.Events.Subscribe(ctx, AssetEventsSubscription, vars)
		if err == nil {
			// Events before the subscription came up were not seen. If a
			// fetch is still running the coalescer waits for it.
			t.coalescer.Signal()
			bo.Reset()
			t.logger.Info("subscribed to asset events", zap.String("subscription", sub.ID))

			for resp := range sub.Events {
				if len(resp.Errors) > 0 {
					t.logger.Warn("asset event carried errors", zap.Error(&graphql.ResponseError{Errors: resp.Errors}))
					continue
				}
				monitoring.SubscriptionEventsTotal.Inc()
				t.coalescer.Signal()
			}
			err = sub.Err()
		}

		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		monitoring.SubscriptionReconnectsTotal.Inc()
		t.logger.Warn("asset event subscription ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}
