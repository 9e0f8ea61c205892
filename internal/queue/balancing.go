package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/history"
	"github.com/AutoQASpace/emcee-queueserver/internal/metrics"
)

type jobEntry struct {
	queue     *SingleJobQueue
	groupID   domain.JobGroupId
	priority  domain.JobPriority
	createdAt time.Time
}

// BalancingBucketQueue is the fair-share multiplexer: it owns one
// SingleJobQueue per job and decides, on every dequeue, which job's head
// bucket a worker should receive.
type BalancingBucketQueue struct {
	mu          sync.Mutex
	jobs        map[domain.JobId]*jobEntry
	deleted     map[domain.JobId]struct{}
	bucketIndex map[domain.BucketId]domain.JobId

	// groupCursor rotates the round-robin starting point within each
	// priority tier so that repeated dequeues don't always favor the same
	// group's jobs when two groups share the max priority.
	groupCursor map[int]int

	aliveness *aliveness.Provider
	tracker   *history.Tracker
	now       func() time.Time

	obsMu     sync.Mutex
	observers []metrics.DispatchObserver
}

func NewBalancingBucketQueue(alive *aliveness.Provider, tracker *history.Tracker) *BalancingBucketQueue {
	return &BalancingBucketQueue{
		jobs:        map[domain.JobId]*jobEntry{},
		deleted:     map[domain.JobId]struct{}{},
		bucketIndex: map[domain.BucketId]domain.JobId{},
		groupCursor: map[int]int{},
		aliveness:   alive,
		tracker:     tracker,
		now:         time.Now,
	}
}

// AddObserver registers a metrics.DispatchObserver notified of bucket
// lifecycle transitions. Observers must not block or acquire any core
// lock; see internal/metrics's package doc.
func (b *BalancingBucketQueue) AddObserver(o metrics.DispatchObserver) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *BalancingBucketQueue) notify(fn func(metrics.DispatchObserver)) {
	b.obsMu.Lock()
	obs := append([]metrics.DispatchObserver(nil), b.observers...)
	b.obsMu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

// Enqueue creates the job's queue on first use and appends buckets to it.
// A jobId that has already been deleted is rejected with ErrJobDeleted:
// deletion is terminal for a job identifier within one queue lifetime.
func (b *BalancingBucketQueue) Enqueue(jobID domain.JobId, groupID domain.JobGroupId, priority domain.JobPriority, buckets []domain.Bucket) ([]domain.EnqueuedBucket, error) {
	b.mu.Lock()
	if _, gone := b.deleted[jobID]; gone {
		b.mu.Unlock()
		return nil, domain.NewQueueError(domain.ErrJobDeleted, "job %s was deleted", jobID)
	}
	je, ok := b.jobs[jobID]
	if !ok {
		je = &jobEntry{
			queue:     NewSingleJobQueue(jobID, b.aliveness, b.tracker),
			groupID:   groupID,
			priority:  priority,
			createdAt: b.now(),
		}
		b.jobs[jobID] = je
	}
	b.mu.Unlock()

	enqueued := je.queue.Enqueue(buckets)

	b.mu.Lock()
	for _, eb := range enqueued {
		b.bucketIndex[eb.Bucket.BucketID] = jobID
	}
	b.mu.Unlock()

	for _, eb := range enqueued {
		bucketID := eb.Bucket.BucketID
		b.notify(func(o metrics.DispatchObserver) { o.BucketEnqueued(jobID, bucketID) })
	}

	return enqueued, nil
}

// orderedJobs returns the non-depleted jobs in fair-share order:
// descending group priority, round-robin across groups tied at a
// priority, descending job priority within a group, FIFO as final
// tiebreak.
func (b *BalancingBucketQueue) orderedJobs() []domain.JobId {
	b.mu.Lock()
	defer b.mu.Unlock()

	type group struct {
		id       domain.JobGroupId
		priority int
		jobs     []domain.JobId
	}
	groupsByID := map[domain.JobGroupId]*group{}
	for id, je := range b.jobs {
		if je.queue.RunningQueueState().IsDepleted() {
			continue
		}
		g, ok := groupsByID[je.groupID]
		if !ok {
			g = &group{id: je.groupID, priority: je.priority.GroupPriority}
			groupsByID[je.groupID] = g
		}
		if je.priority.GroupPriority > g.priority {
			g.priority = je.priority.GroupPriority
		}
		g.jobs = append(g.jobs, id)
	}

	groups := make([]*group, 0, len(groupsByID))
	for _, g := range groupsByID {
		sort.Slice(g.jobs, func(i, j int) bool {
			ji, jj := b.jobs[g.jobs[i]], b.jobs[g.jobs[j]]
			if ji.priority.JobPriority != jj.priority.JobPriority {
				return ji.priority.JobPriority > jj.priority.JobPriority
			}
			return ji.createdAt.Before(jj.createdAt)
		})
		groups = append(groups, g)
	}

	// Stable group ordering (by id) before priority-grouping and rotation,
	// so the round-robin cursor advances deterministically.
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].priority > groups[j].priority })

	var out []domain.JobId
	i := 0
	for i < len(groups) {
		j := i
		tier := groups[i].priority
		for j < len(groups) && groups[j].priority == tier {
			j++
		}
		tierGroups := groups[i:j]
		cursor := b.groupCursor[tier] % len(tierGroups)
		for k := 0; k < len(tierGroups); k++ {
			out = append(out, tierGroups[(cursor+k)%len(tierGroups)].jobs...)
		}
		i = j
	}
	return out
}

// advanceCursorForTier rotates the round-robin pointer for the given
// group-priority tier, after a successful dequeue from a job within it.
func (b *BalancingBucketQueue) advanceCursorForTier(tier int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupCursor[tier]++
}

// DequeueBucket asks each job in fair-share order for a bucket the
// worker can take, including the global "no alive workers at all"
// override.
func (b *BalancingBucketQueue) DequeueBucket(workerID domain.WorkerId, workerCapabilities map[string]string, pollInterval time.Duration) DequeueResult {
	if !b.aliveness.HasAnyAliveWorker() {
		return DequeueResult{Outcome: DequeueOutcomeWorkerIsNotAlive}
	}
	switch b.aliveness.WorkerAliveness(workerID) {
	case aliveness.StateBlocked, aliveness.StateDisabled:
		return DequeueResult{Outcome: DequeueOutcomeWorkerIsBlocked}
	case aliveness.StateSilent, aliveness.StateRegistered:
		return DequeueResult{Outcome: DequeueOutcomeWorkerIsNotAlive}
	}

	order := b.orderedJobs()
	sawCheckAgainLater := false

	for _, jobID := range order {
		b.mu.Lock()
		je, ok := b.jobs[jobID]
		b.mu.Unlock()
		if !ok {
			continue
		}

		res := je.queue.DequeueBucket(workerID, workerCapabilities, pollInterval)
		switch res.Outcome {
		case DequeueOutcomeBucket:
			b.advanceCursorForTier(je.priority.GroupPriority)
			bucketID := res.Bucket.EnqueuedBucket.Bucket.BucketID
			b.notify(func(o metrics.DispatchObserver) { o.BucketDequeued(jobID, bucketID, workerID) })
			return res
		case DequeueOutcomeCheckAgainLater:
			sawCheckAgainLater = true
		}
	}

	if sawCheckAgainLater {
		return DequeueResult{Outcome: DequeueOutcomeCheckAgainLater, PollInterval: pollInterval}
	}
	return DequeueResult{Outcome: DequeueOutcomeQueueIsEmpty}
}

// Accept routes to the job queue owning bucketID.
func (b *BalancingBucketQueue) Accept(bucketID domain.BucketId, result domain.TestingResult, workerID domain.WorkerId) (AcceptResult, error) {
	b.mu.Lock()
	jobID, ok := b.bucketIndex[bucketID]
	var je *jobEntry
	var jobGone bool
	if ok {
		je = b.jobs[jobID]
		_, jobGone = b.deleted[jobID]
	}
	b.mu.Unlock()
	if ok && je == nil && jobGone {
		return AcceptResult{}, domain.NewQueueError(domain.ErrJobDeleted, "job %s was deleted while bucket %s was in flight", jobID, bucketID)
	}
	if !ok || je == nil {
		return AcceptResult{}, domain.NewQueueError(domain.ErrBucketNotDequeued, "bucket %s is unknown", bucketID)
	}

	ar, err := je.queue.Accept(bucketID, result, workerID)
	if err != nil {
		return ar, err
	}

	b.mu.Lock()
	delete(b.bucketIndex, bucketID)
	for _, fresh := range ar.ReenqueuedBucketIDs {
		b.bucketIndex[fresh] = jobID
	}
	b.mu.Unlock()

	reenqueued := len(ar.ReenqueuedBucketIDs)
	b.notify(func(o metrics.DispatchObserver) { o.BucketAccepted(jobID, bucketID, reenqueued) })
	if je.queue.RunningQueueState().IsDepleted() {
		b.notify(func(o metrics.DispatchObserver) { o.JobDepleted(jobID) })
	}
	return ar, nil
}

// JobState returns the job's current state: running with its queue
// counts, or deleted for a job removed by DeleteJob. A jobId the queue
// has never seen is ErrJobNotFound.
func (b *BalancingBucketQueue) JobState(jobID domain.JobId) (domain.JobState, error) {
	b.mu.Lock()
	je, ok := b.jobs[jobID]
	_, gone := b.deleted[jobID]
	b.mu.Unlock()
	if gone {
		return domain.JobState{JobID: jobID, Kind: domain.JobQueueStateDeleted}, nil
	}
	if !ok {
		return domain.JobState{}, domain.NewQueueError(domain.ErrJobNotFound, "job %s not found", jobID)
	}
	return domain.JobState{JobID: jobID, Kind: domain.JobQueueStateRunning, Running: je.queue.RunningQueueState()}, nil
}

// JobResults returns the job's accumulated results, ErrJobDeleted for a
// removed job, or ErrJobNotFound for an unknown one.
func (b *BalancingBucketQueue) JobResults(jobID domain.JobId) (domain.JobResults, error) {
	b.mu.Lock()
	je, ok := b.jobs[jobID]
	_, gone := b.deleted[jobID]
	b.mu.Unlock()
	if gone {
		return domain.JobResults{}, domain.NewQueueError(domain.ErrJobDeleted, "job %s was deleted", jobID)
	}
	if !ok {
		return domain.JobResults{}, domain.NewQueueError(domain.ErrJobNotFound, "job %s not found", jobID)
	}
	return domain.JobResults{JobID: jobID, TestingResults: je.queue.Results()}, nil
}

// DeleteJob removes a job; any subsequent accept for one of its in-flight
// buckets fails with ErrJobDeleted, and the jobId can never be reused
// within this queue's lifetime. The bucket index entries are kept on
// purpose: they are what lets Accept distinguish "job deleted out from
// under you" from "bucket never dequeued".
func (b *BalancingBucketQueue) DeleteJob(jobID domain.JobId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, gone := b.deleted[jobID]; gone {
		return domain.NewQueueError(domain.ErrJobDeleted, "job %s was already deleted", jobID)
	}
	if _, ok := b.jobs[jobID]; !ok {
		return domain.NewQueueError(domain.ErrJobNotFound, "job %s not found", jobID)
	}
	delete(b.jobs, jobID)
	b.deleted[jobID] = struct{}{}
	return nil
}

// ReenqueueStuckBucketsAll sweeps every job queue once, used by the
// stuck-bucket reaper.
func (b *BalancingBucketQueue) ReenqueueStuckBucketsAll() map[domain.JobId][]domain.Bucket {
	b.mu.Lock()
	jobIDs := make([]domain.JobId, 0, len(b.jobs))
	entries := make([]*jobEntry, 0, len(b.jobs))
	for id, je := range b.jobs {
		jobIDs = append(jobIDs, id)
		entries = append(entries, je)
	}
	b.mu.Unlock()

	out := map[domain.JobId][]domain.Bucket{}
	for i, jobID := range jobIDs {
		reclaimed := entries[i].queue.ReenqueueStuckBuckets()
		if len(reclaimed) == 0 {
			continue
		}
		out[jobID] = reclaimed

		b.mu.Lock()
		for _, fresh := range reclaimed {
			b.bucketIndex[fresh.BucketID] = jobID
		}
		b.mu.Unlock()
	}
	return out
}
