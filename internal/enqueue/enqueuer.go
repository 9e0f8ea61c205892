package enqueue

import "github.com/AutoQASpace/emcee-queueserver/internal/domain"

// TestConfiguration is the caller-supplied, opaque-to-the-core
// description attached verbatim to every bucket an Enqueuer call
// produces: build artifacts, destination, timeouts, plugin locations,
// retry budget, and capability requirements.
type TestConfiguration struct {
	Destination                  string
	BuildArtifacts               map[string]string
	TimeoutSeconds               int
	PluginLocations              []string
	NumberOfRetries              int
	WorkerCapabilityRequirements []domain.CapabilityRequirement
	BucketCount                  int // consulted only by SplitEquallyDivided
}

// TestsEnqueuer turns a flat list of configured test entries into
// buckets, using the pluggable split strategy.
type TestsEnqueuer struct{}

func NewTestsEnqueuer() *TestsEnqueuer { return &TestsEnqueuer{} }

// Buckets partitions entries per strategy and config, attaching cfg to
// every produced bucket and stamping its SplitStrategy so later
// re-enqueue can preserve this partitioning's contract.
func (e *TestsEnqueuer) Buckets(strategy SplitStrategy, entries []domain.TestEntry, cfg TestConfiguration, analytics map[string]string) []domain.Bucket {
	groups := Split(strategy, entries, cfg.BucketCount)

	out := make([]domain.Bucket, 0, len(groups))
	for _, g := range groups {
		payload := domain.PayloadContainer{
			TestEntries:                  g,
			BuildArtifacts:               cfg.BuildArtifacts,
			Destination:                  cfg.Destination,
			TimeoutSeconds:               cfg.TimeoutSeconds,
			PluginLocations:              cfg.PluginLocations,
			NumberOfRetries:              cfg.NumberOfRetries,
			WorkerCapabilityRequirements: cfg.WorkerCapabilityRequirements,
			SplitStrategy:                string(strategy),
		}
		out = append(out, domain.NewBucket(payload, analytics))
	}
	return out
}
