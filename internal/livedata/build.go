package livedata

import (
	"strconv"
	"time"
)

// BuildLiveData merges the node and latest-info halves of a live data
// response into one entry per asset key.
func BuildLiveData(resp AssetLiveDataResponse) map[string]LiveDataForNode {
	out := make(map[string]LiveDataForNode, len(resp.AssetNodes))

	for _, info := range resp.AssetsLatestInfo {
		node := LiveDataForNode{
			AssetKey:         info.AssetKey,
			LatestRun:        info.LatestRun,
			InProgressRunIDs: nonNil(info.InProgressRunIDs),
			UnstartedRunIDs:  nonNil(info.UnstartedRunIDs),
			Freshness:        FreshnessUnknown,
		}
		if m := info.LatestMaterialization; m != nil {
			node.LastMaterialization = &Materialization{
				RunID:     m.RunID,
				Timestamp: parseMillis(m.Timestamp),
			}
		}
		if run := info.LatestRun; run != nil && run.Status == RunStatusFailure {
			if node.LastMaterialization == nil || node.LastMaterialization.RunID != run.ID {
				node.RunWhichFailedToMaterialize = run
			}
		}
		out[info.AssetKey.String()] = node
	}

	for _, n := range resp.AssetNodes {
		key := n.AssetKey.String()
		node, ok := out[key]
		if !ok {
			node = LiveDataForNode{
				AssetKey:         n.AssetKey,
				InProgressRunIDs: []string{},
				UnstartedRunIDs:  []string{},
			}
		}
		node.FreshnessPolicy = n.FreshnessPolicy
		if n.FreshnessInfo != nil {
			node.CurrentMinutesLate = n.FreshnessInfo.CurrentMinutesLate
		}
		node.Freshness = freshnessOf(node.FreshnessPolicy, node.CurrentMinutesLate)
		out[key] = node
	}

	return out
}

func freshnessOf(policy *FreshnessPolicy, minutesLate *float64) FreshnessState {
	if policy == nil || minutesLate == nil {
		return FreshnessUnknown
	}
	if *minutesLate > 0 {
		return FreshnessLate
	}
	return FreshnessFresh
}

// parseMillis reads the backend's millisecond timestamp strings, which may
// carry a fractional part. Unparseable values yield the zero time.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
