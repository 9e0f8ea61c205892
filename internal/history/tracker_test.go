package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

func newTestBucket(retries int, entries ...domain.TestEntry) domain.Bucket {
	return domain.NewBucket(domain.PayloadContainer{
		TestEntries:     entries,
		Destination:     "iPhone 15",
		NumberOfRetries: retries,
	}, nil)
}

func enqueued(b domain.Bucket) domain.EnqueuedBucket {
	return domain.EnqueuedBucket{Bucket: b, EnqueueTimestamp: time.Now()}
}

// One worker, retries=2 (budget of 3 attempts), fails every time. It keeps
// getting the bucket back via the deadlock-escape rule until the budget is
// spent, at which point the failure is accepted as final.
func TestTracker_SingleWorkerRetriesUntilBudgetExhausted(t *testing.T) {
	tr := NewTracker(NewStorage())
	entry := domain.TestEntry{ClassName: "Foo", MethodName: "testA"}
	bucket := newTestBucket(2, entry)

	alive := []domain.WorkerId{"w1"}

	for attempt := 1; attempt <= 2; attempt++ {
		eb := tr.BucketToDequeue("w1", []domain.EnqueuedBucket{enqueued(bucket)}, alive)
		require.NotNil(t, eb, "attempt %d: w1 should still receive the bucket", attempt)

		res := tr.Accept(domain.TestingResult{
			TestDestination: bucket.Payload.Destination,
			UnfilteredResults: []domain.TestEntryResult{
				{TestEntry: entry, Outcome: domain.OutcomeFailed},
			},
		}, bucket, "w1")

		require.Len(t, res.TestEntriesToReenqueue, 1, "attempt %d: retry budget should not be exhausted yet", attempt)
		assert.Empty(t, res.Result.UnfilteredResults)

		bucket = bucket.WithNarrowedEntries(res.TestEntriesToReenqueue)
	}

	// Third and final attempt: budget (3) is now spent, failure is final.
	eb := tr.BucketToDequeue("w1", []domain.EnqueuedBucket{enqueued(bucket)}, alive)
	require.NotNil(t, eb)

	res := tr.Accept(domain.TestingResult{
		TestDestination: bucket.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeFailed},
		},
	}, bucket, "w1")

	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.Result.UnfilteredResults, 1)
	assert.Equal(t, domain.OutcomeFailed, res.Result.UnfilteredResults[0].Outcome)
}

// Retries=1, two alive workers. After w1 fails, w1 must not receive the
// retried bucket back
// while w2 is alive and hasn't failed it; w2 should receive it instead.
func TestTracker_WorkerAvoidance(t *testing.T) {
	tr := NewTracker(NewStorage())
	entry := domain.TestEntry{ClassName: "Foo", MethodName: "testA"}
	bucket := newTestBucket(1, entry)
	alive := []domain.WorkerId{"w1", "w2"}

	eb := tr.BucketToDequeue("w1", []domain.EnqueuedBucket{enqueued(bucket)}, alive)
	require.NotNil(t, eb)

	res := tr.Accept(domain.TestingResult{
		TestDestination: bucket.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeFailed},
		},
	}, bucket, "w1")
	require.Len(t, res.TestEntriesToReenqueue, 1)

	retried := bucket.WithNarrowedEntries(res.TestEntriesToReenqueue)
	queue := []domain.EnqueuedBucket{enqueued(retried)}

	// w1 asks again: must be skipped since w2 is alive and still eligible.
	again := tr.BucketToDequeue("w1", queue, alive)
	assert.Nil(t, again)

	// w2 asks: must receive the retried bucket.
	forW2 := tr.BucketToDequeue("w2", queue, alive)
	require.NotNil(t, forW2)
	assert.Equal(t, retried.BucketID, forW2.Bucket.BucketID)
}

// When every other alive worker is also ineligible (or
// there are none), the bucket goes back to an ineligible worker rather
// than starving forever.
func TestTracker_DeadlockEscape_OnlyIneligibleWorkerAlive(t *testing.T) {
	tr := NewTracker(NewStorage())
	entry := domain.TestEntry{ClassName: "Foo", MethodName: "testA"}
	bucket := newTestBucket(3, entry)

	res := tr.Accept(domain.TestingResult{
		TestDestination: bucket.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeFailed},
		},
	}, bucket, "w1")
	require.Len(t, res.TestEntriesToReenqueue, 1)
	retried := bucket.WithNarrowedEntries(res.TestEntriesToReenqueue)

	// w2 has also already failed this lineage and is the only other alive
	// worker; w1 must still receive the bucket rather than deadlock.
	res2 := tr.Accept(domain.TestingResult{
		TestDestination: retried.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeFailed},
		},
	}, retried, "w2")
	require.Len(t, res2.TestEntriesToReenqueue, 1)
	retried2 := retried.WithNarrowedEntries(res2.TestEntriesToReenqueue)

	eb := tr.BucketToDequeue("w1", []domain.EnqueuedBucket{enqueued(retried2)}, []domain.WorkerId{"w1", "w2"})
	require.NotNil(t, eb, "both w1 and w2 are ineligible, bucket must not starve")
}

// A lost result counts against the retry budget but never excludes the
// worker who lost it from retrying the same test itself.
func TestTracker_LostResult_DoesNotQuarantineWorker(t *testing.T) {
	tr := NewTracker(NewStorage())
	entry := domain.TestEntry{ClassName: "Foo", MethodName: "testA"}
	bucket := newTestBucket(2, entry)

	res := tr.Accept(domain.TestingResult{
		TestDestination: bucket.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeLost},
		},
	}, bucket, "w1")
	require.Len(t, res.TestEntriesToReenqueue, 1)

	retried := bucket.WithNarrowedEntries(res.TestEntriesToReenqueue)
	eb := tr.BucketToDequeue("w1", []domain.EnqueuedBucket{enqueued(retried)}, []domain.WorkerId{"w1", "w2"})
	require.NotNil(t, eb, "a lost result must not quarantine the worker that lost it")
}

func TestTracker_SucceededEntry_NeverRetried(t *testing.T) {
	tr := NewTracker(NewStorage())
	entry := domain.TestEntry{ClassName: "Foo", MethodName: "testA"}
	bucket := newTestBucket(2, entry)

	res := tr.Accept(domain.TestingResult{
		TestDestination: bucket.Payload.Destination,
		UnfilteredResults: []domain.TestEntryResult{
			{TestEntry: entry, Outcome: domain.OutcomeSucceeded},
		},
	}, bucket, "w1")

	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.Result.UnfilteredResults, 1)
	assert.Equal(t, domain.OutcomeSucceeded, res.Result.UnfilteredResults[0].Outcome)
}
