package livedata

import (
	"github.com/VarunGitGood/livedata/internal/graphql"
)

const (
	assetLiveDataOperation  = "AssetLiveDataQuery"
	assetEventsSubscription = "AssetEventsSubscription"
)

var AssetLiveDataQuery = graphql.MustParse(`
query AssetLiveDataQuery($assetKeys: [AssetKeyInput!]) {
  assetNodes(assetKeys: $assetKeys) {
    id
    assetKey { path }
    freshnessPolicy { maximumLagMinutes cronSchedule }
    freshnessInfo { currentMinutesLate }
  }
  assetsLatestInfo(assetKeys: $assetKeys) {
    assetKey { path }
    unstartedRunIds
    inProgressRunIds
    latestRun { id status }
    latestMaterialization { runId timestamp }
  }
}`, graphql.OperationQuery)

var AssetEventsSubscription = graphql.MustParse(`
subscription AssetEventsSubscription($assetKeys: [AssetKeyInput!]) {
  assetEvents(assetKeys: $assetKeys) {
    type
    assetKey { path }
    runId
    timestamp
  }
}`, graphql.OperationSubscription)

// AssetLiveDataResponse is the data member of AssetLiveDataQuery.
type AssetLiveDataResponse struct {
	AssetNodes       []assetNodeResult  `json:"assetNodes"`
	AssetsLatestInfo []latestInfoResult `json:"assetsLatestInfo"`
}

type assetNodeResult struct {
	ID              string           `json:"id"`
	AssetKey        AssetKey         `json:"assetKey"`
	FreshnessPolicy *FreshnessPolicy `json:"freshnessPolicy"`
	FreshnessInfo   *struct {
		CurrentMinutesLate *float64 `json:"currentMinutesLate"`
	} `json:"freshnessInfo"`
}

type latestInfoResult struct {
	AssetKey              AssetKey `json:"assetKey"`
	UnstartedRunIDs       []string `json:"unstartedRunIds"`
	InProgressRunIDs      []string `json:"inProgressRunIds"`
	LatestRun             *Run     `json:"latestRun"`
	LatestMaterialization *struct {
		RunID     string `json:"runId"`
		Timestamp string `json:"timestamp"`
	} `json:"latestMaterialization"`
}
