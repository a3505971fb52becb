// Package demobackend is an in-memory asset catalog that speaks the same
// GraphQL surface as the real backend: live data queries over HTTP and asset
// events over graphql-transport-ws. It backs the demo binary and the
// end-to-end tests.
package demobackend

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphql-go/graphql"
	"go.uber.org/zap"
)

const (
	EventMaterialization = "ASSET_MATERIALIZATION"
	EventStepStart       = "STEP_START"
	EventStepFailure     = "STEP_FAILURE"
)

type FreshnessPolicy struct {
	MaximumLagMinutes float64
	CronSchedule      string
}

type asset struct {
	path             []string
	policy           *FreshnessPolicy
	materializedAt   time.Time
	materializedRun  string
	inProgressRunIDs []string
	unstartedRunIDs  []string
	latestRunID      string
	latestRunStatus  string
}

// AssetEvent is what subscribers of assetEvents receive.
type AssetEvent struct {
	Type      string   `json:"type"`
	AssetKey  assetKey `json:"assetKey"`
	RunID     string   `json:"runId"`
	Timestamp string   `json:"timestamp"`
}

type assetKey struct {
	Path []string `json:"path"`
}

type Backend struct {
	mu     sync.Mutex
	assets map[string]*asset
	now    func() time.Time

	schema graphql.Schema
	logger *zap.Logger

	queries    atomic.Int64
	running    atomic.Int32
	maxRunning atomic.Int32
	queryDelay atomic.Int64
	failNext   atomic.Int32

	subsMu  sync.Mutex
	subs    map[*wsSession]struct{}
	closing bool
}

func New(logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		assets: make(map[string]*asset),
		now:    time.Now,
		logger: logger,
		subs:   make(map[*wsSession]struct{}),
	}
	schema, err := b.buildSchema()
	if err != nil {
		return nil, err
	}
	b.schema = schema
	return b, nil
}

func keyString(path []string) string {
	return strings.Join(path, "/")
}

// AddAsset registers an asset. policy may be nil.
func (b *Backend) AddAsset(path []string, policy *FreshnessPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets[keyString(path)] = &asset{path: append([]string(nil), path...), policy: policy}
}

// QueueRun records an unstarted run for the asset.
func (b *Backend) QueueRun(path []string, runID string) {
	b.mu.Lock()
	if a, ok := b.assets[keyString(path)]; ok {
		a.unstartedRunIDs = append(a.unstartedRunIDs, runID)
		a.latestRunID, a.latestRunStatus = runID, "QUEUED"
	}
	b.mu.Unlock()
}

// StartRun moves runID to in progress and broadcasts a step start.
func (b *Backend) StartRun(path []string, runID string) {
	b.mu.Lock()
	if a, ok := b.assets[keyString(path)]; ok {
		a.unstartedRunIDs = without(a.unstartedRunIDs, runID)
		a.inProgressRunIDs = append(a.inProgressRunIDs, runID)
		a.latestRunID, a.latestRunStatus = runID, "STARTED"
	}
	b.mu.Unlock()
	b.broadcast(EventStepStart, path, runID)
}

// Materialize completes runID for the asset and broadcasts the materialization.
func (b *Backend) Materialize(path []string, runID string) {
	b.mu.Lock()
	if a, ok := b.assets[keyString(path)]; ok {
		a.inProgressRunIDs = without(a.inProgressRunIDs, runID)
		a.unstartedRunIDs = without(a.unstartedRunIDs, runID)
		a.materializedAt = b.now()
		a.materializedRun = runID
		a.latestRunID, a.latestRunStatus = runID, "SUCCESS"
	}
	b.mu.Unlock()
	b.broadcast(EventMaterialization, path, runID)
}

// FailRun marks runID failed and broadcasts a step failure.
func (b *Backend) FailRun(path []string, runID string) {
	b.mu.Lock()
	if a, ok := b.assets[keyString(path)]; ok {
		a.inProgressRunIDs = without(a.inProgressRunIDs, runID)
		a.latestRunID, a.latestRunStatus = runID, "FAILURE"
	}
	b.mu.Unlock()
	b.broadcast(EventStepFailure, path, runID)
}

// QueryCount reports how many GraphQL queries have been served.
func (b *Backend) QueryCount() int64 {
	return b.queries.Load()
}

// MaxConcurrentQueries reports the most queries ever in flight at once.
func (b *Backend) MaxConcurrentQueries() int32 {
	return b.maxRunning.Load()
}

// ResetMaxConcurrentQueries restarts the high-water mark from zero.
func (b *Backend) ResetMaxConcurrentQueries() {
	b.maxRunning.Store(0)
}

// SetQueryDelay makes every query take at least d.
func (b *Backend) SetQueryDelay(d time.Duration) {
	b.queryDelay.Store(int64(d))
}

// FailNextQueries makes the next n queries answer 503.
func (b *Backend) FailNextQueries(n int) {
	b.failNext.Store(int32(n))
}

func (b *Backend) resolveAssetNodes(keys [][]string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := []map[string]interface{}{}
	for _, a := range b.selectLocked(keys) {
		node := map[string]interface{}{
			"id":       keyString(a.path),
			"assetKey": map[string]interface{}{"path": a.path},
		}
		if a.policy != nil {
			policy := map[string]interface{}{"maximumLagMinutes": a.policy.MaximumLagMinutes}
			if a.policy.CronSchedule != "" {
				policy["cronSchedule"] = a.policy.CronSchedule
			}
			node["freshnessPolicy"] = policy
			node["freshnessInfo"] = map[string]interface{}{"currentMinutesLate": minutesLate(a, now)}
		}
		out = append(out, node)
	}
	return out
}

func (b *Backend) resolveLatestInfo(keys [][]string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []map[string]interface{}{}
	for _, a := range b.selectLocked(keys) {
		info := map[string]interface{}{
			"assetKey":         map[string]interface{}{"path": a.path},
			"unstartedRunIds":  append([]string{}, a.unstartedRunIDs...),
			"inProgressRunIds": append([]string{}, a.inProgressRunIDs...),
		}
		if a.latestRunID != "" {
			info["latestRun"] = map[string]interface{}{"id": a.latestRunID, "status": a.latestRunStatus}
		}
		if !a.materializedAt.IsZero() {
			info["latestMaterialization"] = map[string]interface{}{
				"runId":     a.materializedRun,
				"timestamp": strconv.FormatInt(a.materializedAt.UnixMilli(), 10),
			}
		}
		out = append(out, info)
	}
	return out
}

func (b *Backend) selectLocked(keys [][]string) []*asset {
	var out []*asset
	if keys == nil {
		for _, a := range b.assets {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return keyString(out[i].path) < keyString(out[j].path) })
		return out
	}
	for _, key := range keys {
		if a, ok := b.assets[keyString(key)]; ok {
			out = append(out, a)
		}
	}
	return out
}

// minutesLate is nil when lateness is unknown: the asset was never
// materialized.
func minutesLate(a *asset, now time.Time) interface{} {
	if a.materializedAt.IsZero() {
		return nil
	}
	lag := now.Sub(a.materializedAt).Minutes() - a.policy.MaximumLagMinutes
	if lag < 0 {
		return 0.0
	}
	return lag
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ServeHTTP answers GraphQL POSTs and upgrades websocket requests to the
// event subscription endpoint.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "" {
		b.serveWS(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b.queries.Add(1)
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		peak := b.maxRunning.Load()
		if n <= peak || b.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}
	if d := time.Duration(b.queryDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if b.failNext.Load() > 0 && b.failNext.Add(-1) >= 0 {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         b.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		b.logger.Warn("write graphql response failed", zap.Error(err))
	}
}
