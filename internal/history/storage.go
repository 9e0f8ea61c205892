// Package history implements the per-(bucket-fingerprint, test) attempt
// ledger that drives retry, worker-avoidance, and failure-acceptance
// decisions.
package history

import (
	"sync"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
)

// ID is the canonical key into the history store: a bucket-lineage
// fingerprint paired with the test entry it concerns.
type ID struct {
	Fingerprint string
	Entry       domain.TestEntry
}

// record is the per-ID bookkeeping the storage keeps.
type record struct {
	totalAttempts int                          // failed + lost, counts against the retry budget
	failedBy      map[domain.WorkerId]struct{} // real failures only; lost results never land here
}

// Storage is an append-only ledger: per test, how many failed-or-lost
// attempts were recorded and which workers really failed it.
// RegisterFailure/RegisterLost are not idempotent: every call counts one
// more attempt. The queue layer already guarantees at most one accept()
// per bucket incarnation, so the storage just accumulates counts rather
// than needing a separate dedup key.
type Storage struct {
	mu   sync.Mutex
	byID map[ID]*record
}

func NewStorage() *Storage {
	return &Storage{byID: map[ID]*record{}}
}

func (s *Storage) get(id ID) *record {
	r, ok := s.byID[id]
	if !ok {
		r = &record{failedBy: map[domain.WorkerId]struct{}{}}
		s.byID[id] = r
	}
	return r
}

// RegisterFailure records that workerID failed the test identified by id.
// Counts toward both the retry budget and this worker's own quarantine.
func (s *Storage) RegisterFailure(id ID, workerID domain.WorkerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(id)
	r.totalAttempts++
	r.failedBy[workerID] = struct{}{}
}

// RegisterLost records that the test identified by id was lost (the
// worker crashed before reporting). It counts toward the retry budget but
// never quarantines any worker, since a lost result says nothing about whether
// the test itself is bad.
func (s *Storage) RegisterLost(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(id)
	r.totalAttempts++
}

// TotalAttempts returns the number of failed-or-lost attempts recorded
// against id, which accept() compares against the bucket's retry budget.
func (s *Storage) TotalAttempts(id ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return 0
	}
	return r.totalAttempts
}

// HasWorkerFailed reports whether workerID has a recorded real (not lost)
// failure against id.
func (s *Storage) HasWorkerFailed(id ID, workerID domain.WorkerId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return false
	}
	_, failed := r.failedBy[workerID]
	return failed
}

// FailedWorkers returns a copy of the set of workers that have failed id.
func (s *Storage) FailedWorkers(id ID) map[domain.WorkerId]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil
	}
	out := make(map[domain.WorkerId]struct{}, len(r.failedBy))
	for w := range r.failedBy {
		out[w] = struct{}{}
	}
	return out
}
