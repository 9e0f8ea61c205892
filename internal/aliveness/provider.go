// Package aliveness tracks per-worker liveness state and derives whether a
// worker is currently eligible to be handed work.
package aliveness

import (
	"sync"
	"time"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/metrics"
)

// State is a worker's lifecycle stage.
type State string

const (
	StateRegistered State = "registered"
	StateAlive      State = "alive"
	StateSilent     State = "silent"
	StateBlocked    State = "blocked"
	StateDisabled   State = "disabled"
)

type workerRecord struct {
	state                   State
	lastHeartbeatAt         time.Time
	bucketIDsBeingProcessed map[domain.BucketId]struct{}
	capabilities            map[string]string
}

// Config holds the heartbeat cadence the provider judges workers against.
type Config struct {
	ReportAliveInterval           time.Duration
	AdditionalTimeToPerformReport time.Duration
}

// Provider answers whether a worker is eligible to be given work. All state lives
// behind a single mutex; every read returns a snapshot, never a live
// reference, so callers can't mutate provider-owned state by accident.
type Provider struct {
	cfg Config

	mu        sync.Mutex
	allowlist map[domain.WorkerId]struct{}
	workers   map[domain.WorkerId]*workerRecord
	now       func() time.Time

	observers []metrics.AlivenessObserver
}

// AddObserver registers a metrics.AlivenessObserver notified whenever a
// worker is explicitly blocked. Silence is a time-derived, polled state
// rather than a discrete mutation, so it has no dedicated notification
// here; the reaper's BucketsReclaimed event covers the practical
// consequence of a worker going silent.
func (p *Provider) AddObserver(o metrics.AlivenessObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// New builds a Provider gated by the given worker-id allow-list. The
// allow-list may be swapped later via SetAllowlist (e.g. on config
// hot-reload) without disturbing already-registered workers.
func New(cfg Config, allowedWorkerIDs []domain.WorkerId) *Provider {
	al := make(map[domain.WorkerId]struct{}, len(allowedWorkerIDs))
	for _, id := range allowedWorkerIDs {
		al[id] = struct{}{}
	}
	return &Provider{
		cfg:       cfg,
		allowlist: al,
		workers:   map[domain.WorkerId]*workerRecord{},
		now:       time.Now,
	}
}

// SetAllowlist atomically replaces the allow-list, used when the queue
// server's configuration file is hot-reloaded.
func (p *Provider) SetAllowlist(ids []domain.WorkerId) {
	al := make(map[domain.WorkerId]struct{}, len(ids))
	for _, id := range ids {
		al[id] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowlist = al
}

// IsAllowed reports whether workerID is on the configured allow-list.
func (p *Provider) IsAllowed(workerID domain.WorkerId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allowlist[workerID]
	return ok
}

// DidRegisterWorker transitions a worker registered -> alive, initializing
// its heartbeat clock. For a worker that is already known it only
// refreshes the heartbeat and replaces the declared capabilities;
// blocked/disabled state is kept.
func (p *Provider) DidRegisterWorker(workerID domain.WorkerId, capabilities map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.workers[workerID]
	if !ok {
		rec = &workerRecord{
			state:                   StateAlive,
			bucketIDsBeingProcessed: map[domain.BucketId]struct{}{},
		}
		p.workers[workerID] = rec
	}
	if rec.state != StateBlocked && rec.state != StateDisabled {
		rec.state = StateAlive
	}
	rec.lastHeartbeatAt = p.now()
	rec.capabilities = capabilities
}

// Set is called from the reportAlive endpoint: it refreshes the worker's
// heartbeat timestamp and replaces its in-flight bucket set, preserving
// any existing blocked/disabled state.
func (p *Provider) Set(workerID domain.WorkerId, bucketIDsBeingProcessed []domain.BucketId) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.workers[workerID]
	if !ok {
		rec = &workerRecord{state: StateAlive}
		p.workers[workerID] = rec
	}
	rec.lastHeartbeatAt = p.now()
	set := make(map[domain.BucketId]struct{}, len(bucketIDsBeingProcessed))
	for _, id := range bucketIDsBeingProcessed {
		set[id] = struct{}{}
	}
	rec.bucketIDsBeingProcessed = set
	if rec.state != StateBlocked && rec.state != StateDisabled {
		rec.state = StateAlive
	}
}

// Block permanently excludes a worker from dequeue. Unlike silence, it
// never clears itself.
func (p *Provider) Block(workerID domain.WorkerId) {
	p.mu.Lock()
	rec, ok := p.workers[workerID]
	if !ok {
		rec = &workerRecord{bucketIDsBeingProcessed: map[domain.BucketId]struct{}{}}
		p.workers[workerID] = rec
	}
	rec.state = StateBlocked
	observers := append([]metrics.AlivenessObserver(nil), p.observers...)
	p.mu.Unlock()

	for _, o := range observers {
		o.WorkerBlocked(workerID)
	}
}

// Disable is like Block but represents an operator-initiated removal
// rather than a policy violation; both exclude the worker from dequeue.
func (p *Provider) Disable(workerID domain.WorkerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[workerID]
	if !ok {
		rec = &workerRecord{bucketIDsBeingProcessed: map[domain.BucketId]struct{}{}}
		p.workers[workerID] = rec
	}
	rec.state = StateDisabled
}

// WorkerAliveness derives the worker's current state: blocked/disabled are
// sticky; otherwise a stale heartbeat means silent, else alive. An
// entirely unknown worker is reported as registered (neither alive nor
// silent) so callers can distinguish "never showed up" from "went quiet".
func (p *Provider) WorkerAliveness(workerID domain.WorkerId) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedAliveness(workerID)
}

func (p *Provider) lockedAliveness(workerID domain.WorkerId) State {
	rec, ok := p.workers[workerID]
	if !ok {
		return StateRegistered
	}
	if rec.state == StateBlocked || rec.state == StateDisabled {
		return rec.state
	}
	if p.now().Sub(rec.lastHeartbeatAt) > p.cfg.ReportAliveInterval+p.cfg.AdditionalTimeToPerformReport {
		return StateSilent
	}
	return StateAlive
}

// AliveWorkerIDs returns the set of workers currently in state alive.
func (p *Provider) AliveWorkerIDs() []domain.WorkerId {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.WorkerId, 0, len(p.workers))
	for id := range p.workers {
		if p.lockedAliveness(id) == StateAlive {
			out = append(out, id)
		}
	}
	return out
}

// HasAnyAliveWorker is a cheap existence check used to gate dispatch so a
// fully-dead fleet doesn't spin the balancing queue against nothing.
func (p *Provider) HasAnyAliveWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.workers {
		if p.lockedAliveness(id) == StateAlive {
			return true
		}
	}
	return false
}

// BucketIDsHeldBy returns the bucket ids the given worker last reported as
// being processed (as of its most recent heartbeat/registration).
func (p *Provider) BucketIDsHeldBy(workerID domain.WorkerId) []domain.BucketId {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[workerID]
	if !ok {
		return nil
	}
	out := make([]domain.BucketId, 0, len(rec.bucketIDsBeingProcessed))
	for id := range rec.bucketIDsBeingProcessed {
		out = append(out, id)
	}
	return out
}

// Capabilities returns the capability set the worker declared at
// registration, or nil if the worker hasn't registered.
func (p *Provider) Capabilities(workerID domain.WorkerId) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[workerID]
	if !ok || rec.capabilities == nil {
		return nil
	}
	out := make(map[string]string, len(rec.capabilities))
	for k, v := range rec.capabilities {
		out[k] = v
	}
	return out
}
