package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/config"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/enqueue"
	"github.com/AutoQASpace/emcee-queueserver/internal/events"
	"github.com/AutoQASpace/emcee-queueserver/internal/history"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
	"github.com/AutoQASpace/emcee-queueserver/internal/queue"
)

func testServer(t *testing.T, allowlist ...string) (*Server, http.Handler) {
	t.Helper()

	cfg := config.Config{
		MaxResultBytes: 1 << 20,
		DefaultWorkerConfiguration: config.WorkerConfiguration{
			ReportAliveIntervalSeconds:    5,
			ReportAliveGraceSeconds:       5,
			PollIntervalSeconds:           1,
			BucketFetchMaxIntervalSeconds: 10,
		},
	}
	alive := aliveness.New(aliveness.Config{ReportAliveInterval: 5 * time.Second, AdditionalTimeToPerformReport: 5 * time.Second}, toIDs(allowlist))
	tr := history.NewTracker(history.NewStorage())
	bq := queue.NewBalancingBucketQueue(alive, tr)
	enq := enqueue.NewTestsEnqueuer()
	hub := events.NewHub(logger.Nop())

	s := NewServer(cfg, domain.NewPayloadSignature(), "test", alive, bq, enq, hub, logger.Nop())
	return s, NewHandler(s)
}

func toIDs(ids []string) []domain.WorkerId {
	out := make([]domain.WorkerId, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.WorkerId(id))
	}
	return out
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestHappyPath: one bucket, one success, depleted job.
func TestHappyPath(t *testing.T) {
	s, h := testServer(t, "w1")

	reg := post(t, h, "/registerWorker", registerWorkerRequest{WorkerID: "w1"})
	if reg.Code != http.StatusOK {
		t.Fatalf("registerWorker status=%d body=%s", reg.Code, reg.Body.String())
	}
	var regResp registerWorkerResponse
	mustDecode(t, reg, &regResp)
	if regResp.Status != "ok" || regResp.PayloadSignature == "" {
		t.Fatalf("unexpected registerWorker response: %+v", regResp)
	}

	sched := post(t, h, "/scheduleTests", scheduleTestsRequest{
		JobID:         "j1",
		Priority:      1,
		SplitStrategy: "unsplit",
		TestEntries:   []domain.TestEntry{{ClassName: "Foo", MethodName: "a"}},
	})
	if sched.Code != http.StatusOK {
		t.Fatalf("scheduleTests status=%d body=%s", sched.Code, sched.Body.String())
	}

	fetch := post(t, h, "/getBucket", fetchBucketRequest{frame: frame{WorkerID: "w1", PayloadSignature: regResp.PayloadSignature}})
	var fetchResp fetchBucketResponse
	mustDecode(t, fetch, &fetchResp)
	if fetchResp.Outcome != "bucket" || fetchResp.Bucket == nil {
		t.Fatalf("unexpected fetchBucket response: %+v", fetchResp)
	}

	result := post(t, h, "/bucketResult", sendBucketResultRequest{
		frame:    frame{WorkerID: "w1", PayloadSignature: regResp.PayloadSignature},
		BucketID: fetchResp.Bucket.BucketID,
		Testing: &testingResultDTO{
			TestDestination: "d",
			UnfilteredResults: []testEntryResultDTO{
				{TestEntry: domain.TestEntry{ClassName: "Foo", MethodName: "a"}, Outcome: domain.OutcomeSucceeded},
			},
		},
	})
	var resultResp sendBucketResultResponse
	mustDecode(t, result, &resultResp)
	if resultResp.Status != "ok" || resultResp.AcceptedBucketID != fetchResp.Bucket.BucketID {
		t.Fatalf("unexpected bucketResult response: %+v", resultResp)
	}

	state := post(t, h, "/jobState", map[string]string{"jobId": "j1"})
	var stateResp jobStateResponse
	mustDecode(t, state, &stateResp)
	if !stateResp.IsDepleted {
		t.Fatalf("expected job to be depleted, got %+v", stateResp)
	}

	results := post(t, h, "/jobResults", map[string]string{"jobId": "j1"})
	var resultsResp jobResultsResponse
	mustDecode(t, results, &resultsResp)
	if len(resultsResp.TestingResults) != 1 {
		t.Fatalf("expected one testing result, got %+v", resultsResp)
	}

	_ = s
}

// Any request whose echoed signature differs from the server's own is
// refused regardless of other contents.
func TestSignatureMismatchIsRefused(t *testing.T) {
	_, h := testServer(t, "w1")

	post(t, h, "/registerWorker", registerWorkerRequest{WorkerID: "w1"})

	fetch := post(t, h, "/getBucket", fetchBucketRequest{frame: frame{WorkerID: "w1", PayloadSignature: "not-the-real-signature"}})
	var resp errorResponse
	mustDecode(t, fetch, &resp)
	if resp.Status != "error" || resp.Kind != string(domain.ErrSignatureMismatch) {
		t.Fatalf("expected signatureMismatch, got %+v", resp)
	}
}

// A worker not on the configured allow-list is rejected at registration.
func TestRegisterWorker_RejectsUnknownWorker(t *testing.T) {
	_, h := testServer(t, "w1")

	reg := post(t, h, "/registerWorker", registerWorkerRequest{WorkerID: "intruder"})
	var resp errorResponse
	mustDecode(t, reg, &resp)
	if resp.Status != "error" || resp.Kind != string(domain.ErrWorkerNotRegistered) {
		t.Fatalf("expected workerNotRegistered, got %+v", resp)
	}
}

// TestDeleteJob_StateReportsDeletedAndRescheduleIsRefused exercises the
// deleteJob endpoint: jobState flips to deleted and the jobId cannot be
// reused by a later scheduleTests.
func TestDeleteJob_StateReportsDeletedAndRescheduleIsRefused(t *testing.T) {
	_, h := testServer(t, "w1")

	sched := post(t, h, "/scheduleTests", scheduleTestsRequest{
		JobID:         "j1",
		SplitStrategy: "unsplit",
		TestEntries:   []domain.TestEntry{{ClassName: "Foo", MethodName: "a"}},
	})
	if sched.Code != http.StatusOK {
		t.Fatalf("scheduleTests status=%d body=%s", sched.Code, sched.Body.String())
	}

	del := post(t, h, "/deleteJob", map[string]string{"jobId": "j1"})
	var delResp deleteJobResponse
	mustDecode(t, del, &delResp)
	if delResp.Status != "ok" {
		t.Fatalf("unexpected deleteJob response: %+v", delResp)
	}

	state := post(t, h, "/jobState", map[string]string{"jobId": "j1"})
	var stateResp jobStateResponse
	mustDecode(t, state, &stateResp)
	if stateResp.Kind != string(domain.JobQueueStateDeleted) {
		t.Fatalf("expected deleted job state, got %+v", stateResp)
	}

	resched := post(t, h, "/scheduleTests", scheduleTestsRequest{
		JobID:         "j1",
		SplitStrategy: "unsplit",
		TestEntries:   []domain.TestEntry{{ClassName: "Foo", MethodName: "a"}},
	})
	var errResp errorResponse
	mustDecode(t, resched, &errResp)
	if errResp.Status != "error" || errResp.Kind != string(domain.ErrJobDeleted) {
		t.Fatalf("expected jobDeleted, got %+v", errResp)
	}
}

func TestVersionEndpoint(t *testing.T) {
	_, h := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/queueServerVersion", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp versionResponse
	mustDecode(t, rr, &resp)
	if resp.EmceeVersion != "test" {
		t.Fatalf("unexpected version response: %+v", resp)
	}
}

func mustDecode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
}
