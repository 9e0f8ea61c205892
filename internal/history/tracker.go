package history

import (
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

// Tracker wraps Storage with the two dispatch-facing decisions:
// which enqueued bucket a worker should receive next, and how to split a
// reported result between accepted failures and entries to re-enqueue.
type Tracker struct {
	storage *Storage
}

func NewTracker(storage *Storage) *Tracker {
	return &Tracker{storage: storage}
}

func idFor(fingerprint string, entry domain.TestEntry) ID {
	return ID{Fingerprint: fingerprint, Entry: entry}
}

// ineligibleWorkerIds returns the workers that have already failed at
// least one test entry carried by bucket. A worker only ever needs to be
// excluded once it has its own recorded failure against a test: the
// policy prefers handing a retried test to a different worker before it
// ever considers giving it back to the one that just failed it.
func (t *Tracker) ineligibleWorkerIds(b domain.Bucket) map[domain.WorkerId]struct{} {
	out := map[domain.WorkerId]struct{}{}
	for _, entry := range b.Payload.TestEntries {
		for w := range t.storage.FailedWorkers(idFor(b.Fingerprint, entry)) {
			out[w] = struct{}{}
		}
	}
	return out
}

// BucketToDequeue scans queue in FIFO order and returns the first bucket
// workerId is eligible to receive. Eligibility follows a three-part
// policy:
//  1. workerId is not ineligible for this bucket -> take it.
//  2. workerId is ineligible but some other alive worker is not -> skip
//     this bucket (leave it for that worker) and keep scanning.
//  3. workerId is ineligible and no other alive worker is eligible either
//     -> hand it to workerId anyway, to avoid the bucket starving forever.
func (t *Tracker) BucketToDequeue(workerID domain.WorkerId, queue []domain.EnqueuedBucket, aliveWorkerIDs []domain.WorkerId) *domain.EnqueuedBucket {
	for i := range queue {
		eb := queue[i]
		ineligible := t.ineligibleWorkerIds(eb.Bucket)
		if _, bad := ineligible[workerID]; !bad {
			return &eb
		}

		anotherEligibleAlive := false
		for _, alive := range aliveWorkerIDs {
			if alive == workerID {
				continue
			}
			if _, bad := ineligible[alive]; !bad {
				anotherEligibleAlive = true
				break
			}
		}
		if !anotherEligibleAlive {
			return &eb
		}
	}
	return nil
}

// AcceptResult is the outcome of folding a worker's reported TestingResult
// into the history ledger.
type AcceptResult struct {
	// TestEntriesToReenqueue are the failed/lost entries that still have
	// retry budget left; the caller re-enqueues exactly these in one or
	// more fresh buckets under the bucket's original Fingerprint.
	TestEntriesToReenqueue []domain.TestEntry
	// Result is the reported result with retried entries masked out, fit
	// for appending to the job's accumulated JobResults.
	Result domain.TestingResult
}

// Accept folds a worker's reported result for bucket into the history
// ledger and decides, per failed or lost entry, whether its retry budget
// (bucket.Payload.NumberOfRetries) is exhausted. An entry whose total
// recorded attempts (across every worker, lost or failed) has reached
// NumberOfRetries+1 is final; otherwise it is queued for re-enqueue.
// Succeeded entries are never retried regardless of what else happened in
// the same bucket.
func (t *Tracker) Accept(result domain.TestingResult, bucket domain.Bucket, workerID domain.WorkerId) AcceptResult {
	budget := bucket.Payload.NumberOfRetries + 1

	var toReenqueue []domain.TestEntry
	kept := make([]domain.TestEntryResult, 0, len(result.UnfilteredResults))

	for _, r := range result.UnfilteredResults {
		id := idFor(bucket.Fingerprint, r.TestEntry)

		switch r.Outcome {
		case domain.OutcomeFailed:
			t.storage.RegisterFailure(id, workerID)
		case domain.OutcomeLost:
			t.storage.RegisterLost(id)
		default:
			kept = append(kept, r)
			continue
		}

		if t.storage.TotalAttempts(id) < budget {
			toReenqueue = append(toReenqueue, r.TestEntry)
			continue
		}
		kept = append(kept, r)
	}

	return AcceptResult{
		TestEntriesToReenqueue: toReenqueue,
		Result: domain.TestingResult{
			TestDestination:   result.TestDestination,
			UnfilteredResults: kept,
			XCResultData:      result.XCResultData,
		},
	}
}
