package queue

import (
	"context"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
)

// ReclaimObserver is notified whenever the reaper reclaims a stuck
// bucket. The websocket broadcaster is wired in as an observer of this
// kind; the reaper logs each reclaim itself.
type ReclaimObserver interface {
	BucketsReclaimed(jobID domain.JobId, buckets []domain.Bucket)
}

// Reaper periodically sweeps every job queue for buckets stuck on a
// worker that's no longer alive. It holds no lock of its own;
// BalancingBucketQueue.ReenqueueStuckBucketsAll acquires per-job locks
// one at a time internally.
type Reaper struct {
	queue     *BalancingBucketQueue
	interval  time.Duration
	log       *logger.Logger
	observers []ReclaimObserver
}

func NewReaper(queue *BalancingBucketQueue, interval time.Duration, log *logger.Logger, observers ...ReclaimObserver) *Reaper {
	return &Reaper{queue: queue, interval: interval, log: log, observers: observers}
}

// Run blocks, ticking until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reaper) tick() {
	reclaimed := r.queue.ReenqueueStuckBucketsAll()
	for jobID, buckets := range reclaimed {
		r.log.Warn("reclaimed stuck buckets", "jobId", jobID, "count", len(buckets))
		for _, obs := range r.observers {
			obs.BucketsReclaimed(jobID, buckets)
		}
	}
}
