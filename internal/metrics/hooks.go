// Package metrics defines the observer interfaces for bucket and worker
// lifecycle events: named listeners registered at construction, not a
// fan-out bus threaded through the core. The core only ever depends on
// these interfaces; a real metrics backend is wired in by whatever
// constructs the app, never by the dispatch/history/aliveness packages
// themselves.
package metrics

import (
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

// DispatchObserver is notified of bucket lifecycle transitions as they
// happen inside the core. Implementations must not block or acquire any
// core lock; they're called synchronously on the request's goroutine,
// after the queue has released its locks.
type DispatchObserver interface {
	BucketEnqueued(jobID domain.JobId, bucketID domain.BucketId)
	BucketDequeued(jobID domain.JobId, bucketID domain.BucketId, workerID domain.WorkerId)
	BucketAccepted(jobID domain.JobId, bucketID domain.BucketId, reenqueued int)
	JobDepleted(jobID domain.JobId)
}

// AlivenessObserver is notified of worker liveness transitions.
type AlivenessObserver interface {
	WorkerWentSilent(workerID domain.WorkerId, lastHeartbeatAt time.Time)
	WorkerBlocked(workerID domain.WorkerId)
}

// NopDispatchObserver is a zero-cost default for callers that don't care
// about metrics, used in tests and anywhere observers are optional.
type NopDispatchObserver struct{}

func (NopDispatchObserver) BucketEnqueued(domain.JobId, domain.BucketId)                  {}
func (NopDispatchObserver) BucketDequeued(domain.JobId, domain.BucketId, domain.WorkerId) {}
func (NopDispatchObserver) BucketAccepted(domain.JobId, domain.BucketId, int)             {}
func (NopDispatchObserver) JobDepleted(domain.JobId)                                      {}
