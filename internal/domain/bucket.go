package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// PayloadContainer describes what a bucket runs. It is mostly opaque to
// the queue; dispatch and retry bookkeeping only ever inspect the fields
// they need.
type PayloadContainer struct {
	TestEntries                  []TestEntry             `json:"testEntries"`
	BuildArtifacts               map[string]string       `json:"buildArtifacts,omitempty"`
	Destination                  string                  `json:"destination"`
	TimeoutSeconds               int                     `json:"timeoutSeconds,omitempty"`
	PluginLocations              []string                `json:"pluginLocations,omitempty"`
	NumberOfRetries              int                     `json:"numberOfRetries"`
	WorkerCapabilityRequirements []CapabilityRequirement `json:"workerCapabilityRequirements,omitempty"`
	// SplitStrategy names the Tests Enqueuer strategy that produced this
	// bucket (individual, equallyDivided, progressive, unsplit). It is
	// carried forward through re-enqueue so the single-job queue can
	// preserve the original splitter's granularity contract when
	// regrouping retried entries instead of silently coarsening it.
	SplitStrategy string `json:"splitStrategy,omitempty"`
}

// CapabilityRequirement is a single predicate a worker must satisfy to be
// eligible to run a bucket carrying it, e.g. {Name: "simulator.os", Value: "17.0"}.
type CapabilityRequirement struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Bucket is the unit of dispatch. Immutable after creation except that
// re-enqueue mints a new BucketID (and may narrow Payload.TestEntries)
// while carrying Fingerprint forward unchanged, which is what lets the
// history tracker's quarantine follow a retried test across bucket
// incarnations.
type Bucket struct {
	BucketID               BucketId
	Fingerprint            string
	Payload                PayloadContainer
	AnalyticsConfiguration map[string]string
}

// NewBucket mints a bucket with a fresh id and a fingerprint computed from
// its initial payload. Fingerprint is computed once, here, and never
// recomputed; see WithNarrowedEntries.
func NewBucket(payload PayloadContainer, analytics map[string]string) Bucket {
	return Bucket{
		BucketID:               NewBucketId(),
		Fingerprint:            fingerprintOf(payload),
		Payload:                payload,
		AnalyticsConfiguration: analytics,
	}
}

func fingerprintOf(p PayloadContainer) string {
	entries := make([]TestEntry, len(p.TestEntries))
	copy(entries, p.TestEntries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })

	type stable struct {
		Entries     []TestEntry `json:"entries"`
		Destination string      `json:"destination"`
		Retries     int         `json:"retries"`
	}
	b, _ := json.Marshal(stable{Entries: entries, Destination: p.Destination, Retries: p.NumberOfRetries})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WithNarrowedEntries returns a re-enqueue incarnation of b: a fresh
// BucketID, the given (possibly smaller) set of test entries, and the
// same Fingerprint, the mechanism by which a re-enqueued bucket
// "retains its history" per the data model's TestHistoryId invariant.
func (b Bucket) WithNarrowedEntries(entries []TestEntry) Bucket {
	b.BucketID = NewBucketId()
	b.Payload.TestEntries = entries
	return b
}

// SatisfiedBy reports whether workerCapabilities satisfies every
// requirement the bucket carries. A requirement with an empty Value only
// demands the named capability be present, regardless of its value.
func (b Bucket) SatisfiedBy(workerCapabilities map[string]string) bool {
	for _, req := range b.Payload.WorkerCapabilityRequirements {
		val, ok := workerCapabilities[req.Name]
		if !ok {
			return false
		}
		if req.Value != "" && val != req.Value {
			return false
		}
	}
	return true
}

// EnqueuedBucket is a Bucket sitting in a job's FIFO.
type EnqueuedBucket struct {
	Bucket           Bucket
	EnqueueTimestamp time.Time
	UniqueIdentifier string
}

// DequeuedBucket is a Bucket that has been handed to a worker and not yet
// accepted.
type DequeuedBucket struct {
	EnqueuedBucket   EnqueuedBucket
	WorkerID         WorkerId
	DequeueTimestamp time.Time
}
