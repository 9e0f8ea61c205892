package domain

import "github.com/cockroachdb/errors"

// ErrorKind is the tagged-union discriminant the endpoint layer sends back
// to callers. Every kind here is non-retryable except where noted.
type ErrorKind string

const (
	ErrSignatureMismatch   ErrorKind = "signatureMismatch"
	ErrWorkerNotRegistered ErrorKind = "workerNotRegistered"
	ErrWorkerBlocked       ErrorKind = "workerBlocked"
	ErrWorkerDisabled      ErrorKind = "workerDisabled"
	ErrBucketNotDequeued   ErrorKind = "bucketNotDequeued"
	ErrJobNotFound         ErrorKind = "jobNotFound"
	ErrJobDeleted          ErrorKind = "jobDeleted"
	ErrCapabilitiesInsuff  ErrorKind = "capabilitiesInsufficient"
	ErrResultTooLarge      ErrorKind = "resultTooLarge"
)

// QueueError is the error type every core operation returns for
// caller-visible, non-fatal conditions. Internal/unexpected errors are
// wrapped with github.com/cockroachdb/errors instead and never reach a
// QueueError kind.
type QueueError struct {
	Kind    ErrorKind
	Message string
}

func (e *QueueError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// NewQueueError constructs a QueueError. The message is formatted with
// cockroachdb/errors' Newf so %w-wrapped causes compose the same way they
// do everywhere else in this codebase.
func NewQueueError(kind ErrorKind, format string, args ...any) error {
	return &QueueError{Kind: kind, Message: errors.Newf(format, args...).Error()}
}

// AsQueueError unwraps err looking for a *QueueError, the way the endpoint
// layer decides which HTTP/JSON shape to send back.
func AsQueueError(err error) (*QueueError, bool) {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
