package domain

import "github.com/google/uuid"

// WorkerId is assigned by the operator/deployment tooling; the queue only
// ever validates it against a configured allow-list, it never mints one.
type WorkerId string

// JobId addresses a client-submitted collection of buckets.
type JobId string

// JobGroupId groups related jobs for fair-share scheduling across jobs.
type JobGroupId string

// BucketId is globally unique across the queue server's lifetime. A
// re-enqueue always mints a fresh one; it never reuses the original.
type BucketId string

// PayloadSignature is minted once per queue-server instance at startup and
// echoed by every worker request thereafter.
type PayloadSignature string

// NewBucketId mints a fresh, globally-unique bucket identifier.
func NewBucketId() BucketId {
	return BucketId(uuid.NewString())
}

// NewPayloadSignature mints a per-instance nonce at server startup.
func NewPayloadSignature() PayloadSignature {
	return PayloadSignature(uuid.NewString())
}
