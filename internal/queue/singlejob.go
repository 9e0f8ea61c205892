// Package queue implements the per-job bucket queue and the balancing
// queue that multiplexes dispatch across jobs.
package queue

import (
	"sync"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/history"
)

// DequeueOutcome discriminates the tagged-union result of a dequeue
// attempt, matching the wire shapes the endpoint layer returns verbatim.
type DequeueOutcome string

const (
	DequeueOutcomeBucket           DequeueOutcome = "bucket"
	DequeueOutcomeQueueIsEmpty     DequeueOutcome = "queueIsEmpty"
	DequeueOutcomeCheckAgainLater  DequeueOutcome = "checkAgainLater"
	DequeueOutcomeWorkerIsNotAlive DequeueOutcome = "workerIsNotAlive"
	DequeueOutcomeWorkerIsBlocked  DequeueOutcome = "workerIsBlocked"
)

// DequeueResult is what dequeueBucket hands back to its caller.
type DequeueResult struct {
	Outcome      DequeueOutcome
	Bucket       *domain.DequeuedBucket
	PollInterval time.Duration
}

// AcceptResult is what accept hands back to its caller.
type AcceptResult struct {
	// AcceptedBucketID is the bucketId the worker reported against.
	AcceptedBucketID domain.BucketId
	// ReenqueuedBucketIDs are the fresh bucket ids created to carry
	// forward any entries still within their retry budget.
	ReenqueuedBucketIDs []domain.BucketId
}

// aliveRegistry is the subset of *aliveness.Provider the queue needs.
type aliveRegistry interface {
	WorkerAliveness(workerID domain.WorkerId) aliveness.State
	AliveWorkerIDs() []domain.WorkerId
	Capabilities(workerID domain.WorkerId) map[string]string
}

// SingleJobQueue is the FIFO + in-flight set for one job.
type SingleJobQueue struct {
	jobID domain.JobId

	mu       sync.Mutex
	enqueued []domain.EnqueuedBucket
	dequeued map[domain.BucketId]domain.DequeuedBucket
	results  []domain.TestingResult

	aliveness aliveRegistry
	tracker   *history.Tracker
	now       func() time.Time
}

// NewSingleJobQueue constructs an empty queue for jobID.
func NewSingleJobQueue(jobID domain.JobId, aliveness aliveRegistry, tracker *history.Tracker) *SingleJobQueue {
	return &SingleJobQueue{
		jobID:     jobID,
		dequeued:  map[domain.BucketId]domain.DequeuedBucket{},
		aliveness: aliveness,
		tracker:   tracker,
		now:       time.Now,
	}
}

// Enqueue appends buckets to the FIFO, stamping each with a fresh
// enqueue timestamp and unique identifier.
func (q *SingleJobQueue) Enqueue(buckets []domain.Bucket) []domain.EnqueuedBucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.EnqueuedBucket, 0, len(buckets))
	for _, b := range buckets {
		eb := domain.EnqueuedBucket{
			Bucket:           b,
			EnqueueTimestamp: q.now(),
			UniqueIdentifier: string(b.BucketID),
		}
		q.enqueued = append(q.enqueued, eb)
		out = append(out, eb)
	}
	return out
}

// DequeueBucket hands the worker the first enqueued bucket it is
// eligible for, moving it into the in-flight set.
func (q *SingleJobQueue) DequeueBucket(workerID domain.WorkerId, workerCapabilities map[string]string, pollInterval time.Duration) DequeueResult {
	switch q.aliveness.WorkerAliveness(workerID) {
	case aliveness.StateBlocked, aliveness.StateDisabled:
		return DequeueResult{Outcome: DequeueOutcomeWorkerIsBlocked}
	case aliveness.StateSilent, aliveness.StateRegistered:
		return DequeueResult{Outcome: DequeueOutcomeWorkerIsNotAlive}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	filtered := make([]domain.EnqueuedBucket, 0, len(q.enqueued))
	for _, eb := range q.enqueued {
		if eb.Bucket.SatisfiedBy(workerCapabilities) {
			filtered = append(filtered, eb)
		}
	}

	alive := q.aliveness.AliveWorkerIDs()
	chosen := q.tracker.BucketToDequeue(workerID, filtered, alive)
	if chosen != nil {
		q.removeEnqueuedLocked(chosen.Bucket.BucketID)
		db := domain.DequeuedBucket{EnqueuedBucket: *chosen, WorkerID: workerID, DequeueTimestamp: q.now()}
		q.dequeued[chosen.Bucket.BucketID] = db
		return DequeueResult{Outcome: DequeueOutcomeBucket, Bucket: &db}
	}

	if len(q.enqueued) == 0 && len(q.dequeued) == 0 {
		return DequeueResult{Outcome: DequeueOutcomeQueueIsEmpty}
	}
	return DequeueResult{Outcome: DequeueOutcomeCheckAgainLater, PollInterval: pollInterval}
}

func (q *SingleJobQueue) removeEnqueuedLocked(id domain.BucketId) {
	for i, eb := range q.enqueued {
		if eb.Bucket.BucketID == id {
			q.enqueued = append(q.enqueued[:i], q.enqueued[i+1:]...)
			return
		}
	}
}

// Accept folds a worker's reported result into the job, re-enqueueing
// any entries still within their retry budget. It returns an error of
// kind domain.ErrBucketNotDequeued if bucketID is not currently in
// flight for workerID.
func (q *SingleJobQueue) Accept(bucketID domain.BucketId, result domain.TestingResult, workerID domain.WorkerId) (AcceptResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	db, ok := q.dequeued[bucketID]
	if !ok || db.WorkerID != workerID {
		return AcceptResult{}, domain.NewQueueError(domain.ErrBucketNotDequeued, "bucket %s is not dequeued for worker %s", bucketID, workerID)
	}
	delete(q.dequeued, bucketID)

	outcome := q.tracker.Accept(result, db.EnqueuedBucket.Bucket, workerID)
	q.results = append(q.results, outcome.Result)

	ar := AcceptResult{AcceptedBucketID: bucketID}
	if len(outcome.TestEntriesToReenqueue) > 0 {
		for _, fresh := range q.regroupForReenqueue(db.EnqueuedBucket.Bucket, outcome.TestEntriesToReenqueue) {
			eb := domain.EnqueuedBucket{Bucket: fresh, EnqueueTimestamp: q.now(), UniqueIdentifier: string(fresh.BucketID)}
			q.enqueued = append([]domain.EnqueuedBucket{eb}, q.enqueued...)
			ar.ReenqueuedBucketIDs = append(ar.ReenqueuedBucketIDs, fresh.BucketID)
		}
	}
	return ar, nil
}

// regroupForReenqueue splits entries into one or more fresh bucket
// incarnations of original: one bucket carrying every retried entry,
// unless original's splitter strategy was "individual", in which case
// one bucket per entry preserves that strategy's granularity.
func (q *SingleJobQueue) regroupForReenqueue(original domain.Bucket, entries []domain.TestEntry) []domain.Bucket {
	if original.Payload.SplitStrategy != "individual" {
		return []domain.Bucket{original.WithNarrowedEntries(entries)}
	}
	out := make([]domain.Bucket, 0, len(entries))
	for _, e := range entries {
		out = append(out, original.WithNarrowedEntries([]domain.TestEntry{e}))
	}
	return out
}

// ReenqueueStuckBuckets moves every dequeued bucket whose holder is no
// longer alive back to enqueued under a fresh bucketId.
func (q *SingleJobQueue) ReenqueueStuckBuckets() []domain.Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reclaimed []domain.Bucket
	for id, db := range q.dequeued {
		if q.aliveness.WorkerAliveness(db.WorkerID) == aliveness.StateAlive {
			continue
		}
		delete(q.dequeued, id)
		fresh := db.EnqueuedBucket.Bucket.WithNarrowedEntries(db.EnqueuedBucket.Bucket.Payload.TestEntries)
		eb := domain.EnqueuedBucket{Bucket: fresh, EnqueueTimestamp: q.now(), UniqueIdentifier: string(fresh.BucketID)}
		q.enqueued = append(q.enqueued, eb)
		reclaimed = append(reclaimed, fresh)
	}
	return reclaimed
}

// RunningQueueState reports how many buckets are waiting and in flight.
func (q *SingleJobQueue) RunningQueueState() domain.RunningQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.RunningQueueState{EnqueuedCount: len(q.enqueued), DequeuedCount: len(q.dequeued)}
}

// Results returns a copy of the accumulated job results in accept order.
func (q *SingleJobQueue) Results() []domain.TestingResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TestingResult, len(q.results))
	copy(out, q.results)
	return out
}
