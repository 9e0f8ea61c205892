package enqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

func TestTestsEnqueuer_Buckets_AttachesConfigurationAndStrategy(t *testing.T) {
	e := NewTestsEnqueuer()
	cfg := TestConfiguration{Destination: "iPhone 15", NumberOfRetries: 2}

	buckets := e.Buckets(SplitIndividual, entries(2), cfg, map[string]string{"run": "nightly"})
	require.Len(t, buckets, 2)
	for _, b := range buckets {
		assert.Equal(t, "iPhone 15", b.Payload.Destination)
		assert.Equal(t, 2, b.Payload.NumberOfRetries)
		assert.Equal(t, "individual", b.Payload.SplitStrategy)
		assert.Equal(t, "nightly", b.AnalyticsConfiguration["run"])
		assert.NotEmpty(t, b.Fingerprint)
	}
	assert.NotEqual(t, buckets[0].BucketID, buckets[1].BucketID)
}

func TestTestsEnqueuer_Buckets_UnsplitProducesOneBucket(t *testing.T) {
	e := NewTestsEnqueuer()
	buckets := e.Buckets(SplitUnsplit, entries(4), TestConfiguration{Destination: "d"}, nil)
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[0].Payload.TestEntries, 4)
}

func TestTestsEnqueuer_Buckets_CapabilityRequirementsCarried(t *testing.T) {
	e := NewTestsEnqueuer()
	reqs := []domain.CapabilityRequirement{{Name: "simulator.os", Value: "17.0"}}
	buckets := e.Buckets(SplitUnsplit, entries(1), TestConfiguration{Destination: "d", WorkerCapabilityRequirements: reqs}, nil)
	require.Len(t, buckets, 1)
	assert.Equal(t, reqs, buckets[0].Payload.WorkerCapabilityRequirements)
}
