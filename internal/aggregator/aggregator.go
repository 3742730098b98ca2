// Package aggregator implements the C5 Aggregator: the scheduling loop
// that, on each tick, discovers candidates via C3-Market, de-dupes against
// the processed/blacklist sets, fans the remainder out to the Pipeline,
// then persists and publishes the tokens that passed. Grounded on
// internal/scheduler/scheduler.go's Scheduler — a struct wrapping the
// services/hub/config it drives, Start(ctx) launching one goroutine per
// independent loop, ticker-driven with deferred panic recovery — narrowed
// here to the single aggregator tick loop plus its tick-coalescing guard.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tokensentry/sentinel/internal/domain"
)

// Discoverer is the subset of sources.MarketClient the aggregator needs to
// find candidate addresses.
type Discoverer interface {
	Trending(ctx context.Context) ([]domain.TokenAddress, error)
}

// Processor is the subset of pipeline.Pipeline the aggregator drives.
type Processor interface {
	ProcessBatch(ctx context.Context, addresses []domain.TokenAddress, criteria domain.FilterCriteria) []domain.CombinedAnalysis
}

// Gate is the subset of health.Monitor the aggregator consults before
// starting a run; it never probes directly, only reads the cached
// classification. *health.Monitor satisfies this directly.
type Gate interface {
	Healthy() bool
}

// Publisher is the subset of hub.Hub the aggregator needs to broadcast
// passed tokens.
type Publisher interface {
	PublishTokenUpdate(address string, payload interface{})
}

// Store is the subset of repository.TokenStore the aggregator needs.
type Store interface {
	PersistAnalyses(ctx context.Context, analyses []domain.CombinedAnalysis) error
	RecordRun(ctx context.Context, run domain.Run) error
}

// Config holds the tunables a run consults; mirrors config.AggregatorConfig
// but is passed in narrowly so this package has no config-package import.
type Config struct {
	TickInterval    time.Duration
	MaxTokensPerRun int
	DedupeWindow    time.Duration
	Criteria        domain.FilterCriteria
}

// processedEntry records when a token last completed processing, for
// DedupeWindow expiry.
type processedEntry struct {
	at time.Time
}

// Aggregator owns the single scheduler goroutine for the discovery →
// filter → pipeline → persist/publish cycle.
type Aggregator struct {
	discoverer Discoverer
	processor  Processor
	gate       Gate
	publisher  Publisher
	store      Store

	mu     sync.RWMutex
	cfg    Config
	log    *slog.Logger

	processedMu sync.Mutex
	processed   map[domain.TokenAddress]processedEntry
	blacklist   map[domain.TokenAddress]string

	runInProgress int32 // atomic guard for tick-coalescing

	statsMu sync.Mutex
	runs    []domain.Run

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New builds an Aggregator. Call Start to launch its scheduler goroutine.
func New(discoverer Discoverer, processor Processor, gate Gate, publisher Publisher, store Store, cfg Config, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		discoverer: discoverer, processor: processor, gate: gate, publisher: publisher, store: store,
		cfg: cfg, log: log,
		processed: make(map[domain.TokenAddress]processedEntry),
		blacklist: make(map[domain.TokenAddress]string),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the single tick loop goroutine. It returns immediately.
// Idempotent: subsequent calls are no-ops, since loop() closes the single
// shared done channel and running it twice would panic on that close.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() { go a.loop(ctx) })
}

// Stop halts the tick loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.done)
	defer a.recoverAndLog("aggregator tick loop")

	ticker := time.NewTicker(a.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("aggregator: shutting down")
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

func (a *Aggregator) tickInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.TickInterval
}

func (a *Aggregator) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		a.log.Error("aggregator: recovered from panic", "loop", loop, "panic", r)
	}
}

// RunOnce executes one discovery → filter → pipeline → persist/publish
// cycle. Tick-coalescing: if a run is already in progress, this call is a
// no-op — a slow run is never overlapped by the next scheduled tick.
func (a *Aggregator) RunOnce(ctx context.Context) domain.Run {
	if !atomic.CompareAndSwapInt32(&a.runInProgress, 0, 1) {
		a.log.Warn("aggregator: run already in progress, skipping this tick")
		return domain.Run{Status: domain.RunStatusFailed, Errors: []string{"run already in progress"}}
	}
	defer atomic.StoreInt32(&a.runInProgress, 0)

	run := domain.Run{ID: uuid.NewString(), StartTime: time.Now().UTC(), Status: domain.RunStatusRunning}
	if a.store != nil {
		_ = a.store.RecordRun(ctx, run)
	}

	if !a.gate.Healthy() {
		a.log.Warn("aggregator: dependencies unhealthy, skipping run")
		run.Status = domain.RunStatusFailed
		run.Errors = append(run.Errors, "dependencies unhealthy")
		run = a.finish(ctx, run)
		return run
	}

	candidates, err := a.discoverer.Trending(ctx)
	if err != nil {
		a.log.Error("aggregator: discovery failed", "err", err)
		run.Status = domain.RunStatusFailed
		run.Errors = append(run.Errors, err.Error())
		run = a.finish(ctx, run)
		return run
	}
	run.Discovered = len(candidates)

	addresses := a.filterCandidates(candidates)
	if len(addresses) > a.cfg.MaxTokensPerRun {
		a.log.Info("aggregator: capping candidates at maxTokensPerRun",
			"candidates", len(addresses), "cap", a.cfg.MaxTokensPerRun)
		addresses = addresses[:a.cfg.MaxTokensPerRun]
	}

	if len(addresses) == 0 {
		run.Status = domain.RunStatusCompleted
		run.EndTime = timePtr(time.Now().UTC())
		run = a.finish(ctx, run)
		return run
	}

	results := a.processor.ProcessBatch(ctx, addresses, a.criteria())
	run.Processed = len(results)

	a.markProcessed(addresses)

	var passed []domain.CombinedAnalysis
	for _, r := range results {
		if r.Passed {
			passed = append(passed, r)
		}
	}
	run.Passed = len(passed)

	if len(passed) > 0 {
		if a.store != nil {
			if err := a.store.PersistAnalyses(ctx, passed); err != nil {
				a.log.Error("aggregator: persist failed", "err", err)
				run.Errors = append(run.Errors, err.Error())
			}
		}
		// Publishing proceeds independently of persistence outcome: a
		// subscriber missing a persisted record is preferable to a
		// passed token never reaching any subscriber because of a
		// transient store error.
		if a.publisher != nil {
			for _, r := range passed {
				a.publisher.PublishTokenUpdate(r.Address.Canonical(), r)
			}
		}
	}

	run.Status = domain.RunStatusCompleted
	run.EndTime = timePtr(time.Now().UTC())
	run = a.finish(ctx, run)
	return run
}

func (a *Aggregator) criteria() domain.FilterCriteria {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Criteria
}

// filterCandidates drops blacklisted and recently-processed addresses.
func (a *Aggregator) filterCandidates(candidates []domain.TokenAddress) []domain.TokenAddress {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()

	now := time.Now()
	out := make([]domain.TokenAddress, 0, len(candidates))
	for _, addr := range candidates {
		canon := domain.TokenAddress(addr.Canonical())
		if _, blacklisted := a.blacklist[canon]; blacklisted {
			continue
		}
		if entry, seen := a.processed[canon]; seen {
			if now.Sub(entry.at) < a.cfg.DedupeWindow {
				continue
			}
		}
		out = append(out, addr)
	}
	return out
}

func (a *Aggregator) markProcessed(addresses []domain.TokenAddress) {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	now := time.Now()
	for _, addr := range addresses {
		a.processed[domain.TokenAddress(addr.Canonical())] = processedEntry{at: now}
	}
	a.sweepProcessedLocked(now)
}

// sweepProcessedLocked drops ProcessedSet entries older than DedupeWindow.
// Caller must hold processedMu.
func (a *Aggregator) sweepProcessedLocked(now time.Time) {
	for addr, entry := range a.processed {
		if now.Sub(entry.at) >= a.cfg.DedupeWindow {
			delete(a.processed, addr)
		}
	}
}

func (a *Aggregator) finish(ctx context.Context, run domain.Run) domain.Run {
	if run.EndTime == nil {
		run.EndTime = timePtr(time.Now().UTC())
	}
	if a.store != nil {
		_ = a.store.RecordRun(ctx, run)
	}
	a.statsMu.Lock()
	a.runs = append(a.runs, run)
	if len(a.runs) > 100 {
		a.runs = a.runs[len(a.runs)-100:]
	}
	a.statsMu.Unlock()
	return run
}

// AddToBlacklist marks address as blacklisted; it takes effect starting
// with the next tick's discovery filtering, per §8 scenario 6.
func (a *Aggregator) AddToBlacklist(address domain.TokenAddress, reason string) {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	a.blacklist[domain.TokenAddress(address.Canonical())] = reason
}

// RemoveFromBlacklist un-blacklists address, reporting whether it had been
// present.
func (a *Aggregator) RemoveFromBlacklist(address domain.TokenAddress) bool {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	canon := domain.TokenAddress(address.Canonical())
	_, ok := a.blacklist[canon]
	delete(a.blacklist, canon)
	return ok
}

// Runs returns up to the last limit recorded Run records, most recent last.
func (a *Aggregator) Runs(limit int) []domain.Run {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if limit <= 0 || limit > len(a.runs) {
		limit = len(a.runs)
	}
	out := make([]domain.Run, limit)
	copy(out, a.runs[len(a.runs)-limit:])
	return out
}

// Stats summarizes the aggregator's in-memory state: how many addresses
// are tracked as processed/blacklisted and how many runs are retained.
type Stats struct {
	ProcessedCount  int
	BlacklistCount  int
	RetainedRuns    int
	RunInProgress   bool
}

func (a *Aggregator) Stats() Stats {
	a.processedMu.Lock()
	p, b := len(a.processed), len(a.blacklist)
	a.processedMu.Unlock()
	a.statsMu.Lock()
	r := len(a.runs)
	a.statsMu.Unlock()
	return Stats{
		ProcessedCount: p,
		BlacklistCount: b,
		RetainedRuns:   r,
		RunInProgress:  atomic.LoadInt32(&a.runInProgress) == 1,
	}
}

// Config returns the aggregator's current configuration.
func (a *Aggregator) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// UpdateConfig replaces the aggregator's configuration; it takes effect on
// the next tick.
func (a *Aggregator) UpdateConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// Reset clears the processed and blacklist sets. Intended for tests and
// operator-triggered state resets, not for regular operation.
func (a *Aggregator) Reset() {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	a.processed = make(map[domain.TokenAddress]processedEntry)
	a.blacklist = make(map[domain.TokenAddress]string)
}

func timePtr(t time.Time) *time.Time { return &t }
