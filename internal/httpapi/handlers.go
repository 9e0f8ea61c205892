package httpapi

import (
	"net/http"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/enqueue"
	"github.com/AutoQASpace/emcee-queueserver/internal/httpapi/httputil"
	"github.com/AutoQASpace/emcee-queueserver/internal/queue"
)

// checkSignature validates a worker-originated request's echoed
// payloadSignature against the server's own. Every worker endpoint but
// registerWorker requires this, so a stale worker from a previous queue
// incarnation can never mutate the current run.
func (s *Server) checkSignature(w http.ResponseWriter, got string) bool {
	if domain.PayloadSignature(got) != s.signature {
		writeSignatureMismatch(w)
		return false
	}
	return true
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if !s.limiterFor(r.RemoteAddr).Allow() {
		httputil.WriteJSON(w, http.StatusTooManyRequests, errorResponse{Status: "error", Kind: "rateLimited", Message: "too many requests"})
		return false
	}
	return true
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	var req registerWorkerRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxResultBytes, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}

	workerID := domain.WorkerId(req.WorkerID)
	if !s.aliveness.IsAllowed(workerID) {
		writeQueueError(w, domain.NewQueueError(domain.ErrWorkerNotRegistered, "worker %s is not on the configured allow-list", workerID))
		return
	}
	s.aliveness.DidRegisterWorker(workerID, req.Capabilities)
	s.markActivity()

	dwc := s.cfg.DefaultWorkerConfiguration
	httputil.WriteJSON(w, http.StatusOK, registerWorkerResponse{
		Status:           "ok",
		PayloadSignature: string(s.signature),
		WorkerSpecificConfig: workerConfigDTO{
			ReportAliveIntervalSeconds:    dwc.ReportAliveIntervalSeconds,
			ReportAliveGraceSeconds:       dwc.ReportAliveGraceSeconds,
			PollIntervalSeconds:           dwc.PollIntervalSeconds,
			BucketFetchMaxIntervalSeconds: dwc.BucketFetchMaxIntervalSeconds,
		},
	})
}

func (s *Server) handleFetchBucket(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	var req fetchBucketRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxResultBytes, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}
	if !s.checkSignature(w, req.PayloadSignature) {
		return
	}
	workerID := domain.WorkerId(req.WorkerID)

	pollInterval := time.Duration(s.cfg.DefaultWorkerConfiguration.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Duration(s.cfg.CheckAgainTimeInterval)
	}

	// A fetch that omits capabilities falls back to the set the worker
	// declared at registration.
	caps := req.Capabilities
	if caps == nil {
		caps = s.aliveness.Capabilities(workerID)
	}

	res := s.queue.DequeueBucket(workerID, caps, pollInterval)
	s.markActivity()

	resp := fetchBucketResponse{Status: "ok", Outcome: dequeueOutcomeToWire(res.Outcome)}
	switch res.Outcome {
	case queue.DequeueOutcomeBucket:
		b := bucketToDTO(res.Bucket.EnqueuedBucket.Bucket)
		resp.Bucket = &b
	case queue.DequeueOutcomeCheckAgainLater:
		resp.PollInterval = int(res.PollInterval / time.Second)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendBucketResult(w http.ResponseWriter, r *http.Request) {
	var req sendBucketResultRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxResultBytes, &req); err != nil {
		if isMaxBytesErr(err) {
			writeQueueError(w, domain.NewQueueError(domain.ErrResultTooLarge, "result exceeds maxResultBytes=%d", s.cfg.MaxResultBytes))
			return
		}
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}
	if !s.checkSignature(w, req.PayloadSignature) {
		return
	}

	result := req.toDomain()
	ar, err := s.queue.Accept(domain.BucketId(req.BucketID), result, domain.WorkerId(req.WorkerID))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	s.markActivity()

	httputil.WriteJSON(w, http.StatusOK, sendBucketResultResponse{
		Status:           "ok",
		AcceptedBucketID: string(ar.AcceptedBucketID),
		ReenqueuedCount:  len(ar.ReenqueuedBucketIDs),
	})
}

func isMaxBytesErr(err error) bool {
	return err != nil && err.Error() == "http: request body too large"
}

func (s *Server) handleReportAlive(w http.ResponseWriter, r *http.Request) {
	var req reportAliveRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxResultBytes, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}
	if !s.checkSignature(w, req.PayloadSignature) {
		return
	}

	ids := make([]domain.BucketId, 0, len(req.BucketIDsBeingProcessed))
	for _, id := range req.BucketIDsBeingProcessed {
		ids = append(ids, domain.BucketId(id))
	}
	s.aliveness.Set(domain.WorkerId(req.WorkerID), ids)
	s.markActivity()

	httputil.WriteJSON(w, http.StatusOK, reportAliveResponse{Status: "ok"})
}

func (s *Server) handleScheduleTests(w http.ResponseWriter, r *http.Request) {
	var req scheduleTestsRequest
	if err := httputil.DecodeJSON(w, r, 0, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}

	strategy := enqueue.SplitStrategy(req.SplitStrategy)
	if strategy == "" {
		strategy = enqueue.SplitUnsplit
	}
	buckets := s.enqueuer.Buckets(strategy, req.TestEntries, req.toEnqueuerConfig(), req.AnalyticsConfiguration)

	priority := domain.JobPriority{GroupPriority: req.GroupPriority, JobPriority: req.Priority}
	groupID := domain.JobGroupId(req.JobGroupID)
	if groupID == "" {
		groupID = domain.JobGroupId(req.JobID)
	}
	if _, err := s.queue.Enqueue(domain.JobId(req.JobID), groupID, priority, buckets); err != nil {
		writeQueueError(w, err)
		return
	}
	s.markActivity()

	httputil.WriteJSON(w, http.StatusOK, scheduleTestsResponse{Status: "ok", JobID: req.JobID, BucketCount: len(buckets)})
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := httputil.DecodeJSON(w, r, 0, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}

	state, err := s.queue.JobState(domain.JobId(req.JobID))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	s.markActivity()
	httputil.WriteJSON(w, http.StatusOK, jobStateResponse{
		Status:        "ok",
		JobID:         req.JobID,
		Kind:          string(state.Kind),
		EnqueuedCount: state.Running.EnqueuedCount,
		DequeuedCount: state.Running.DequeuedCount,
		IsDepleted:    state.IsDepleted(),
	})
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := httputil.DecodeJSON(w, r, 0, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}

	results, err := s.queue.JobResults(domain.JobId(req.JobID))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	s.markActivity()
	dtos := make([]testingResultDTO, 0, len(results.TestingResults))
	for _, tr := range results.TestingResults {
		dtos = append(dtos, testingResultToDTO(tr))
	}
	httputil.WriteJSON(w, http.StatusOK, jobResultsResponse{Status: "ok", JobID: req.JobID, TestingResults: dtos})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := httputil.DecodeJSON(w, r, 0, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Kind: "badRequest", Message: err.Error()})
		return
	}

	if err := s.queue.DeleteJob(domain.JobId(req.JobID)); err != nil {
		writeQueueError(w, err)
		return
	}
	s.markActivity()
	httputil.WriteJSON(w, http.StatusOK, deleteJobResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, versionResponse{
		Status:               "ok",
		EmceeVersion:         s.version,
		QueueServerStartedAt: s.startedAt,
	})
}
