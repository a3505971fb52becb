package livedata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotStarted = errors.New("livedata: tracker not started")

// AssetKey identifies an asset by its path components.
type AssetKey struct {
	Path []string `json:"path"`
}

func (k AssetKey) String() string {
	return strings.Join(k.Path, "/")
}

// ParseAssetKey parses a slash separated key such as "raw/orders".
func ParseAssetKey(s string) (AssetKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AssetKey{}, fmt.Errorf("empty asset key")
	}
	parts := strings.Split(s, "/")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return AssetKey{}, fmt.Errorf("asset key %q has an empty path component", s)
		}
	}
	return AssetKey{Path: parts}, nil
}

// ParseAssetKeys parses every key, dropping duplicates and keeping order.
func ParseAssetKeys(raw []string) ([]AssetKey, error) {
	seen := make(map[string]bool, len(raw))
	keys := make([]AssetKey, 0, len(raw))
	for _, r := range raw {
		key, err := ParseAssetKey(r)
		if err != nil {
			return nil, err
		}
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		keys = append(keys, key)
	}
	return keys, nil
}

func keySetID(keys []AssetKey) string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func keyInputs(keys []AssetKey) []map[string]any {
	inputs := make([]map[string]any, len(keys))
	for i, k := range keys {
		inputs[i] = map[string]any{"path": k.Path}
	}
	return inputs
}

type FreshnessState string

const (
	FreshnessUnknown FreshnessState = "unknown"
	FreshnessFresh   FreshnessState = "fresh"
	FreshnessLate    FreshnessState = "late"
)

type Materialization struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

type Run struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

const RunStatusFailure = "FAILURE"

type FreshnessPolicy struct {
	MaximumLagMinutes float64 `json:"maximumLagMinutes"`
	CronSchedule      string  `json:"cronSchedule,omitempty"`
}

// LiveDataForNode is the current run and freshness state of one asset.
type LiveDataForNode struct {
	AssetKey                    AssetKey         `json:"assetKey"`
	LastMaterialization         *Materialization `json:"lastMaterialization,omitempty"`
	LatestRun                   *Run             `json:"latestRun,omitempty"`
	RunWhichFailedToMaterialize *Run             `json:"runWhichFailedToMaterialize,omitempty"`
	InProgressRunIDs            []string         `json:"inProgressRunIds"`
	UnstartedRunIDs             []string         `json:"unstartedRunIds"`
	FreshnessPolicy             *FreshnessPolicy `json:"freshnessPolicy,omitempty"`
	CurrentMinutesLate          *float64         `json:"currentMinutesLate,omitempty"`
	Freshness                   FreshnessState   `json:"freshness"`
}

// NetworkStatus mirrors the state of the underlying query.
type NetworkStatus int32

const (
	StatusReady NetworkStatus = iota
	StatusLoading
	StatusRefetch
	StatusPoll
	StatusError
)

func (s NetworkStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusLoading:
		return "loading"
	case StatusRefetch:
		return "refetch"
	case StatusPoll:
		return "poll"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Busy reports whether a fetch is in flight.
func (s NetworkStatus) Busy() bool {
	return s == StatusLoading || s == StatusRefetch || s == StatusPoll
}

func (s NetworkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is a snapshot of tracked live data.
type Result struct {
	LiveData  map[string]LiveDataForNode `json:"liveData"`
	Status    NetworkStatus              `json:"status"`
	Loading   bool                       `json:"loading"`
	Error     string                     `json:"error,omitempty"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

func (r Result) clone() Result {
	out := r
	out.LiveData = make(map[string]LiveDataForNode, len(r.LiveData))
	for k, v := range r.LiveData {
		out.LiveData[k] = v
	}
	return out
}
