package domain

// RunningQueueState reports how many buckets are waiting versus in flight
// for one job.
type RunningQueueState struct {
	EnqueuedCount int `json:"enqueuedCount"`
	DequeuedCount int `json:"dequeuedCount"`
}

// IsDepleted is true once a job has no enqueued or dequeued buckets left.
func (s RunningQueueState) IsDepleted() bool {
	return s.EnqueuedCount == 0 && s.DequeuedCount == 0
}

// JobQueueStateKind discriminates between a running job and a deleted one.
type JobQueueStateKind string

const (
	JobQueueStateRunning JobQueueStateKind = "running"
	JobQueueStateDeleted JobQueueStateKind = "deleted"
)

// JobState is the union
// `{jobId, queueState: running(runningQueueState) | deleted}`.
type JobState struct {
	JobID   JobId             `json:"jobId"`
	Kind    JobQueueStateKind `json:"kind"`
	Running RunningQueueState `json:"running,omitempty"`
}

// IsDepleted reports whether a running job has no work left. A deleted job
// is never considered depleted in the dispatch sense: it's gone, not
// finished.
func (s JobState) IsDepleted() bool {
	return s.Kind == JobQueueStateRunning && s.Running.IsDepleted()
}

// JobResults accumulates TestingResult values in accept order.
type JobResults struct {
	JobID          JobId           `json:"jobId"`
	TestingResults []TestingResult `json:"testingResults"`
}

// JobPriority is the pair (JobGroupPriority, JobPriority); higher means
// sooner. Small integers by convention but left as plain ints.
type JobPriority struct {
	GroupPriority int
	JobPriority   int
}
