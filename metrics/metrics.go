package metrics

import (
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Keys
var (
	Method, _ = tag.NewKey("method")
)

// Measures
var (
	BlockLatency = stats.Float64("store/block_latency", "Time spent on a single block round trip to the remote store", stats.UnitMilliseconds)
	FetchFanout  = stats.Int64("store/fetch_fanout", "Number of blocks fetched concurrently by a batched get", stats.UnitDimensionless)
)

// Views
var (
	blockLatencyView = &view.View{
		Measure:     BlockLatency,
		Aggregation: view.Distribution(0, 1, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10_000, 30_000),
		TagKeys:     []tag.Key{Method},
	}
	fetchFanoutView = &view.View{
		Measure:     FetchFanout,
		Aggregation: view.Distribution(0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024),
	}
)

// DefaultViews with all views in it.
var DefaultViews = []*view.View{
	blockLatencyView,
	fetchFanoutView,
}

func MsecSince(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}
