// Package httpapi is the queue server's endpoint layer: thin JSON
// handlers over the core. Handlers validate the payload signature,
// decode/encode DTOs, and delegate to internal/queue,
// internal/aliveness and internal/enqueue; they hold no state of their
// own beyond the *Server they close over.
package httpapi

import (
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/enqueue"
	"github.com/AutoQASpace/emcee-queueserver/internal/queue"
)

// frame is embedded in every worker-originated request body: the two
// framing fields every such body shares.
type frame struct {
	WorkerID         string `json:"workerId,omitempty"`
	PayloadSignature string `json:"payloadSignature"`
}

type registerWorkerRequest struct {
	WorkerID     string            `json:"workerId"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

type registerWorkerResponse struct {
	Status               string          `json:"status"`
	PayloadSignature     string          `json:"payloadSignature"`
	WorkerSpecificConfig workerConfigDTO `json:"workerSpecificConfiguration"`
}

type workerConfigDTO struct {
	ReportAliveIntervalSeconds    int `json:"reportAliveIntervalSeconds"`
	ReportAliveGraceSeconds       int `json:"reportAliveGraceSeconds"`
	PollIntervalSeconds           int `json:"pollIntervalSeconds"`
	BucketFetchMaxIntervalSeconds int `json:"bucketFetchMaxIntervalSeconds"`
}

type fetchBucketRequest struct {
	frame
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

type fetchBucketResponse struct {
	Status       string     `json:"status"`
	Outcome      string     `json:"outcome"`
	Bucket       *bucketDTO `json:"bucket,omitempty"`
	PollInterval int        `json:"pollIntervalSeconds,omitempty"`
}

type bucketDTO struct {
	BucketID                     string                         `json:"bucketId"`
	TestEntries                  []domain.TestEntry             `json:"testEntries"`
	Destination                  string                         `json:"destination"`
	TimeoutSeconds               int                            `json:"timeoutSeconds,omitempty"`
	PluginLocations              []string                       `json:"pluginLocations,omitempty"`
	NumberOfRetries              int                            `json:"numberOfRetries"`
	WorkerCapabilityRequirements []domain.CapabilityRequirement `json:"workerCapabilityRequirements,omitempty"`
	AnalyticsConfiguration       map[string]string              `json:"analyticsConfiguration,omitempty"`
}

func bucketToDTO(b domain.Bucket) bucketDTO {
	return bucketDTO{
		BucketID:                     string(b.BucketID),
		TestEntries:                  b.Payload.TestEntries,
		Destination:                  b.Payload.Destination,
		TimeoutSeconds:               b.Payload.TimeoutSeconds,
		PluginLocations:              b.Payload.PluginLocations,
		NumberOfRetries:              b.Payload.NumberOfRetries,
		WorkerCapabilityRequirements: b.Payload.WorkerCapabilityRequirements,
		AnalyticsConfiguration:       b.AnalyticsConfiguration,
	}
}

type sendBucketResultRequest struct {
	frame
	BucketID string            `json:"bucketId"`
	Testing  *testingResultDTO `json:"testing"`
}

type testingResultDTO struct {
	TestDestination   string               `json:"testDestination"`
	UnfilteredResults []testEntryResultDTO `json:"unfilteredResults"`
	XCResultData      []byte               `json:"xcresultData,omitempty"`
}

type testEntryResultDTO struct {
	TestEntry      domain.TestEntry   `json:"testEntry"`
	Outcome        domain.TestOutcome `json:"outcome"`
	TestRunResults []testRunResultDTO `json:"testRunResults,omitempty"`
}

type testRunResultDTO struct {
	StartTime time.Time `json:"startTime"`
	Duration  float64   `json:"duration"`
	Hostname  string    `json:"hostname,omitempty"`
	Logs      []string  `json:"logs,omitempty"`
}

func (r sendBucketResultRequest) toDomain() domain.TestingResult {
	if r.Testing == nil {
		return domain.TestingResult{}
	}
	entries := make([]domain.TestEntryResult, 0, len(r.Testing.UnfilteredResults))
	for _, e := range r.Testing.UnfilteredResults {
		runs := make([]domain.TestRunResult, 0, len(e.TestRunResults))
		for _, run := range e.TestRunResults {
			runs = append(runs, domain.TestRunResult{StartTime: run.StartTime, Duration: run.Duration, Hostname: run.Hostname, Logs: run.Logs})
		}
		entries = append(entries, domain.TestEntryResult{TestEntry: e.TestEntry, Outcome: e.Outcome, TestRunResults: runs})
	}
	return domain.TestingResult{
		TestDestination:   r.Testing.TestDestination,
		UnfilteredResults: entries,
		XCResultData:      r.Testing.XCResultData,
	}
}

type sendBucketResultResponse struct {
	Status           string `json:"status"`
	AcceptedBucketID string `json:"acceptedBucketId"`
	ReenqueuedCount  int    `json:"reenqueuedCount"`
}

type reportAliveRequest struct {
	frame
	BucketIDsBeingProcessed []string `json:"bucketIdsBeingProcessed"`
}

type reportAliveResponse struct {
	Status string `json:"status"`
}

type scheduleTestsRequest struct {
	JobID                        string                         `json:"jobId"`
	JobGroupID                   string                         `json:"jobGroupId,omitempty"`
	GroupPriority                int                            `json:"jobGroupPriority,omitempty"`
	Priority                     int                            `json:"jobPriority,omitempty"`
	TestEntries                  []domain.TestEntry             `json:"testEntries"`
	SplitStrategy                string                         `json:"testSplitStrategy"`
	BucketCount                  int                            `json:"bucketCount,omitempty"`
	Destination                  string                         `json:"destination,omitempty"`
	BuildArtifacts               map[string]string              `json:"buildArtifacts,omitempty"`
	TimeoutSeconds               int                            `json:"timeoutSeconds,omitempty"`
	PluginLocations              []string                       `json:"pluginLocations,omitempty"`
	NumberOfRetries              int                            `json:"numberOfRetries,omitempty"`
	WorkerCapabilityRequirements []domain.CapabilityRequirement `json:"workerCapabilityRequirements,omitempty"`
	AnalyticsConfiguration       map[string]string              `json:"analyticsConfiguration,omitempty"`
}

func (r scheduleTestsRequest) toEnqueuerConfig() enqueue.TestConfiguration {
	return enqueue.TestConfiguration{
		Destination:                  r.Destination,
		BuildArtifacts:               r.BuildArtifacts,
		TimeoutSeconds:               r.TimeoutSeconds,
		PluginLocations:              r.PluginLocations,
		NumberOfRetries:              r.NumberOfRetries,
		WorkerCapabilityRequirements: r.WorkerCapabilityRequirements,
		BucketCount:                  r.BucketCount,
	}
}

type scheduleTestsResponse struct {
	Status      string `json:"status"`
	JobID       string `json:"jobId"`
	BucketCount int    `json:"bucketCount"`
}

type jobStateResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId"`
	Kind          string `json:"kind"`
	EnqueuedCount int    `json:"enqueuedCount,omitempty"`
	DequeuedCount int    `json:"dequeuedCount,omitempty"`
	IsDepleted    bool   `json:"isDepleted,omitempty"`
}

type jobResultsResponse struct {
	Status         string             `json:"status"`
	JobID          string             `json:"jobId"`
	TestingResults []testingResultDTO `json:"testingResults"`
}

func testingResultToDTO(r domain.TestingResult) testingResultDTO {
	entries := make([]testEntryResultDTO, 0, len(r.UnfilteredResults))
	for _, e := range r.UnfilteredResults {
		runs := make([]testRunResultDTO, 0, len(e.TestRunResults))
		for _, run := range e.TestRunResults {
			runs = append(runs, testRunResultDTO{StartTime: run.StartTime, Duration: run.Duration, Hostname: run.Hostname, Logs: run.Logs})
		}
		entries = append(entries, testEntryResultDTO{TestEntry: e.TestEntry, Outcome: e.Outcome, TestRunResults: runs})
	}
	return testingResultDTO{TestDestination: r.TestDestination, UnfilteredResults: entries, XCResultData: r.XCResultData}
}

type deleteJobResponse struct {
	Status string `json:"status"`
}

type versionResponse struct {
	Status               string    `json:"status"`
	EmceeVersion         string    `json:"emceeVersion"`
	QueueServerStartedAt time.Time `json:"queueServerStartedAt"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// dequeueOutcomeToWire maps the internal queue.DequeueOutcome onto the
// fetchBucket response's outcome vocabulary.
func dequeueOutcomeToWire(o queue.DequeueOutcome) string {
	return string(o)
}
