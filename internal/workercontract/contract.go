// Package workercontract describes the shape a worker-side scheduler is
// expected to present to the queue server. Nothing in this repository
// implements it, the actual worker process is an external collaborator,
// but the HTTP endpoint layer's request/response DTOs are written to
// satisfy exactly this contract over the wire.
package workercontract

import (
	"context"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

// Scheduler is what a worker process needs from a transport client
// talking to the queue server: register once, then loop fetch/run/report.
type Scheduler interface {
	// Register exchanges the worker's identity and capabilities for the
	// server's current PayloadSignature and worker-specific configuration.
	Register(ctx context.Context, workerID domain.WorkerId, capabilities map[string]string) (domain.PayloadSignature, WorkerConfiguration, error)

	// FetchBucket asks for the next bucket to run; a worker implements
	// the actual poll delay itself per CheckAgainLater.
	FetchBucket(ctx context.Context, workerID domain.WorkerId, capabilities map[string]string) (FetchBucketResponse, error)

	// ReportResult sends back the outcome of running a previously
	// fetched bucket.
	ReportResult(ctx context.Context, workerID domain.WorkerId, bucketID domain.BucketId, result domain.TestingResult) error

	// ReportAlive is the heartbeat call; bucketIDsBeingProcessed should
	// reflect exactly what the worker currently holds.
	ReportAlive(ctx context.Context, workerID domain.WorkerId, bucketIDsBeingProcessed []domain.BucketId) error
}

// WorkerConfiguration mirrors config.WorkerConfiguration on the wire
// without workercontract importing the config package, keeping this
// contract dependency-free apart from domain.
type WorkerConfiguration struct {
	ReportAliveIntervalSeconds    int
	ReportAliveGraceSeconds       int
	PollIntervalSeconds           int
	BucketFetchMaxIntervalSeconds int
}

// FetchBucketOutcome discriminates FetchBucketResponse the same way
// queue.DequeueOutcome does server-side.
type FetchBucketOutcome string

const (
	FetchBucketOutcomeBucket           FetchBucketOutcome = "bucket"
	FetchBucketOutcomeQueueIsEmpty     FetchBucketOutcome = "queueIsEmpty"
	FetchBucketOutcomeCheckAgainLater  FetchBucketOutcome = "checkAgainLater"
	FetchBucketOutcomeWorkerIsBlocked  FetchBucketOutcome = "workerIsBlocked"
	FetchBucketOutcomeWorkerIsNotAlive FetchBucketOutcome = "workerIsNotAlive"
)

// FetchBucketResponse is what a worker receives from FetchBucket.
type FetchBucketResponse struct {
	Outcome      FetchBucketOutcome
	Bucket       *domain.Bucket
	PollInterval int // seconds
}
