package httpapi

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AutoQASpace/emcee-queueserver/internal/aliveness"
	"github.com/AutoQASpace/emcee-queueserver/internal/config"
	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/enqueue"
	"github.com/AutoQASpace/emcee-queueserver/internal/events"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
	"github.com/AutoQASpace/emcee-queueserver/internal/queue"
)

// Server holds everything the Endpoint Layer needs to validate and
// delegate a request: the payload signature minted at construction, the
// core collaborators, and the admission-control state (rate limiter,
// idle-activity clock) that admits requests without ever changing
// dispatch semantics.
type Server struct {
	cfg       config.Config
	signature domain.PayloadSignature
	startedAt time.Time
	version   string

	aliveness *aliveness.Provider
	queue     *queue.BalancingBucketQueue
	enqueuer  *enqueue.TestsEnqueuer
	hub       *events.Hub
	log       *logger.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	lastActivity atomic.Int64
}

// NewServer wires the Endpoint Layer around already-constructed core
// collaborators; internal/app owns their lifecycle.
func NewServer(cfg config.Config, signature domain.PayloadSignature, version string, alive *aliveness.Provider, bq *queue.BalancingBucketQueue, enqueuer *enqueue.TestsEnqueuer, hub *events.Hub, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		signature: signature,
		startedAt: time.Now(),
		version:   version,
		aliveness: alive,
		queue:     bq,
		enqueuer:  enqueuer,
		hub:       hub,
		log:       log,
		limiters:  map[string]*rate.Limiter{},
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// IdleSince reports how long it has been since the last activity-bearing
// request, for the auto-termination controller in internal/app. Every
// successful worker or job endpoint call advances the clock, jobState and
// jobResults included: a client still polling for results is a client the
// server must not terminate out from under. queueServerVersion and
// healthz do not advance it.
func (s *Server) IdleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Server) markActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// limiterFor returns the per-remote-address token bucket that admission
// control checks in front of registerWorker and fetchBucket, so a
// tight-loop-polling worker fleet can't starve the queue server's locks.
// This is additive hardening; it never changes dequeue semantics.
func (s *Server) limiterFor(remoteAddr string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[remoteAddr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(20), 40)
		s.limiters[remoteAddr] = l
	}
	return l
}

// NewHandler assembles the full mux: health checks, the worker/client
// endpoints, and the /jobEvents websocket stream.
func NewHandler(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)

	mux.HandleFunc("POST /registerWorker", s.handleRegisterWorker)
	mux.HandleFunc("POST /getBucket", s.handleFetchBucket)
	mux.HandleFunc("POST /bucketResult", s.handleSendBucketResult)
	mux.HandleFunc("POST /reportAlive", s.handleReportAlive)
	mux.HandleFunc("POST /scheduleTests", s.handleScheduleTests)
	mux.HandleFunc("POST /jobState", s.handleJobState)
	mux.HandleFunc("POST /jobResults", s.handleJobResults)
	mux.HandleFunc("POST /deleteJob", s.handleDeleteJob)
	mux.HandleFunc("GET /queueServerVersion", s.handleVersion)

	if s.hub != nil {
		mux.HandleFunc("GET /jobEvents", s.hub.ServeWS)
	}

	var h http.Handler = mux
	h = recoverMiddleware(s.log)(h)
	h = accessLogMiddleware(s.log)(h)
	h = requestIDMiddleware()(h)

	return h
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
