package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/history"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
)

type recordingObserver struct {
	calls []domain.JobId
}

func (r *recordingObserver) BucketsReclaimed(jobID domain.JobId, buckets []domain.Bucket) {
	r.calls = append(r.calls, jobID)
}

// Once a worker stops being alive, its in-flight bucket is reclaimed on
// the next tick and observers are told about it.
func TestReaper_ReclaimsStuckBucketAndNotifiesObservers(t *testing.T) {
	av := aliveness.New(aliveness.Config{ReportAliveInterval: time.Second, AdditionalTimeToPerformReport: time.Second}, nil)
	av.DidRegisterWorker("w1", nil)
	tr := history.NewTracker(history.NewStorage())
	bq := NewBalancingBucketQueue(av, tr)
	bq.Enqueue("j1", "g1", domain.JobPriority{}, bucketsFor(1, "d"))

	res := bq.DequeueBucket("w1", nil, time.Second)
	require.Equal(t, DequeueOutcomeBucket, res.Outcome)

	av.Block("w1")

	obs := &recordingObserver{}
	r := NewReaper(bq, 10*time.Millisecond, logger.Nop(), obs)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	assert.Contains(t, obs.calls, domain.JobId("j1"))

	state, err := bq.JobState("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Running.EnqueuedCount)
	assert.Equal(t, 0, state.Running.DequeuedCount)
}
