// Package pipeline implements the C4 sequential per-token staged
// evaluation: Market → Security → Router → Chain, short-circuiting on the
// first filtered stage and fusing all four into one scored CombinedAnalysis.
// Grounded on internal/service/resolution_service.go's resolveMarket: a
// single method performing ordered steps, each able to short-circuit the
// rest, assembling a final struct from accumulated state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
)

// MarketAnalyzer is the subset of sources.MarketClient the pipeline needs.
type MarketAnalyzer interface {
	Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error)
}

// SecurityAnalyzer is the subset of sources.SecurityClient the pipeline needs.
type SecurityAnalyzer interface {
	Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.SecurityReport, error)
}

// RouterAnalyzer is the subset of sources.RouterClient the pipeline needs.
type RouterAnalyzer interface {
	Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.RouterReport, error)
}

// ChainAnalyzer is the subset of sources.ChainClient the pipeline needs.
type ChainAnalyzer interface {
	Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.ChainReport, error)
}

// Weights assigns each stage's contribution to the final composite score.
type Weights struct {
	Market   decimal.Decimal
	Security decimal.Decimal
	Router   decimal.Decimal
	Chain    decimal.Decimal
}

const resultCacheTTL = 600 * time.Second

// Pipeline drives the four-stage analysis for one token at a time;
// ProcessBatch fans this out across tokens with bounded concurrency.
type Pipeline struct {
	market   MarketAnalyzer
	security SecurityAnalyzer
	router   RouterAnalyzer
	chain    ChainAnalyzer

	cache         *cache.Cache
	cacheResults  bool
	maxConcurrent int
	perTokenTimeout time.Duration
	weights       Weights

	log *slog.Logger
}

// New builds a Pipeline. cacheResults controls whether ProcessOne consults
// and populates the 600s result cache keyed by "pipeline:{address}".
func New(market MarketAnalyzer, security SecurityAnalyzer, router RouterAnalyzer, chain ChainAnalyzer,
	c *cache.Cache, cacheResults bool, maxConcurrent int, perTokenTimeout time.Duration, weights Weights, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pipeline{
		market: market, security: security, router: router, chain: chain,
		cache: c, cacheResults: cacheResults, maxConcurrent: maxConcurrent,
		perTokenTimeout: perTokenTimeout, weights: weights, log: log,
	}
}

// ProcessOne drives one token through Market → Security → Router → Chain,
// short-circuiting at the first filtered stage, within the pipeline's
// per-token timeout. It never returns an error for a stage failure or
// filter rejection — both are represented as data on the returned
// CombinedAnalysis, per the no-exceptions-across-the-boundary propagation
// policy.
func (p *Pipeline) ProcessOne(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) domain.CombinedAnalysis {
	if p.cacheResults {
		if v, ok := p.cache.Get(resultCacheKey(address)); ok {
			return v.(domain.CombinedAnalysis)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.perTokenTimeout)
	defer cancel()

	analysis := p.run(ctx, address, criteria)

	if p.cacheResults {
		p.cache.Set(resultCacheKey(address), analysis, resultCacheTTL)
	}
	return analysis
}

func resultCacheKey(address domain.TokenAddress) string {
	return "pipeline:" + address.Canonical()
}

// logStageErr logs a stage's error at a severity matching its
// classification: transient and timeout failures are expected background
// noise from a flaky source, anything else may indicate a real defect.
func (p *Pipeline) logStageErr(stage string, address domain.TokenAddress, err error) {
	if domain.IsTimeout(err) || domain.IsTransient(err) {
		p.log.Warn("pipeline: "+stage+" stage error", "address", address, "err", err)
		return
	}
	p.log.Error("pipeline: "+stage+" stage error", "address", address, "err", err)
}

// stageFailureReason turns a stage error into the FilterReason recorded on
// the CombinedAnalysis, distinguishing a timed-out source from one that was
// simply unavailable or errored outright.
func stageFailureReason(err error) string {
	switch {
	case domain.IsTimeout(err):
		return "source timed out"
	case domain.IsTransient(err):
		return "source unavailable"
	default:
		return "source error"
	}
}

// run is the ordered state machine: Start → Market → Security → Router →
// Chain → Combine → Done. A stage panic is recovered and treated as an
// InvariantViolation isolated to this token.
func (p *Pipeline) run(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (result domain.CombinedAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline: recovered from panic", "address", address, "panic", r)
			result = failedAnalysis(address, "pipeline: invariant violation")
		}
	}()

	if ctx.Err() != nil {
		return failedAnalysis(address, "pipeline: timeout")
	}

	market, err := p.market.Analyze(ctx, address, criteria)
	if err != nil {
		p.logStageErr("market", address, err)
		market = domain.MarketSnapshot{Address: address, Filtered: true, FilterReason: stageFailureReason(err)}
	}
	if ctx.Err() != nil {
		return failedAnalysis(address, "pipeline: timeout")
	}
	if market.Filtered {
		return p.combine(address, market,
			sentinelSecurity(address, "Market"), sentinelRouter(address, "Market"), sentinelChain(address, "Market"),
			[]string{"Market: " + market.FilterReason})
	}

	security, err := p.security.Analyze(ctx, address, criteria)
	if err != nil {
		p.logStageErr("security", address, err)
		security = domain.SecurityReport{Address: address, Filtered: true, FilterReason: stageFailureReason(err)}
	}
	if ctx.Err() != nil {
		return failedAnalysis(address, "pipeline: timeout")
	}
	if security.Filtered {
		return p.combine(address, market, security,
			sentinelRouter(address, "Security"), sentinelChain(address, "Security"),
			[]string{"Security: " + security.FilterReason})
	}

	router, err := p.router.Analyze(ctx, address, criteria)
	if err != nil {
		p.logStageErr("router", address, err)
		router = domain.RouterReport{Address: address, Filtered: true, FilterReason: stageFailureReason(err)}
	}
	if ctx.Err() != nil {
		return failedAnalysis(address, "pipeline: timeout")
	}
	if router.Filtered {
		return p.combine(address, market, security, router,
			sentinelChain(address, "Router"),
			[]string{"Router: " + router.FilterReason})
	}

	chain, err := p.chain.Analyze(ctx, address, criteria)
	if err != nil {
		p.logStageErr("chain", address, err)
		chain = domain.ChainReport{Address: address, Filtered: true, FilterReason: stageFailureReason(err)}
	}
	if ctx.Err() != nil {
		return failedAnalysis(address, "pipeline: timeout")
	}
	if chain.Filtered {
		return p.combine(address, market, security, router, chain, []string{"Chain: " + chain.FilterReason})
	}

	return p.combine(address, market, security, router, chain, nil)
}

// combine assembles the final CombinedAnalysis. When every stage passed
// (failedFilters is empty) it computes the weighted composite score;
// otherwise the score is 0 and passed is false, per the invariant in §3.
func (p *Pipeline) combine(address domain.TokenAddress, market domain.MarketSnapshot, security domain.SecurityReport,
	router domain.RouterReport, chain domain.ChainReport, failedFilters []string) domain.CombinedAnalysis {

	passed := !market.Filtered && !security.Filtered && !router.Filtered && !chain.Filtered

	var score decimal.Decimal
	if passed {
		score = p.score(market, security, router, chain)
	}

	return domain.CombinedAnalysis{
		Address:       address,
		Market:        market,
		Security:      security,
		Router:        router,
		Chain:         chain,
		OverallScore:  score,
		Passed:        passed,
		FailedFilters: failedFilters,
		Timestamp:     time.Now().UTC(),
	}
}

// score computes the weighted composite per §4.4.
func (p *Pipeline) score(market domain.MarketSnapshot, security domain.SecurityReport,
	router domain.RouterReport, chain domain.ChainReport) decimal.Decimal {

	marketContribution := decimal.NewFromInt(50)
	if market.Liquidity.GreaterThan(decimal.NewFromInt(10000)) {
		marketContribution = marketContribution.Add(decimal.NewFromInt(20))
	}
	if market.Volume24h.GreaterThan(decimal.NewFromInt(5000)) {
		marketContribution = marketContribution.Add(decimal.NewFromInt(15))
	}
	if market.AgeHours > 1 && market.AgeHours < 24 {
		marketContribution = marketContribution.Add(decimal.NewFromInt(15))
	}

	securityContribution := security.SafetyScore.Div(decimal.NewFromInt(10)).Mul(decimal.NewFromInt(100))

	routerContribution := decimal.Zero
	if router.RoutingAvailable {
		routerContribution = decimal.NewFromInt(60)
	}
	five := decimal.NewFromInt(5)
	ten := decimal.NewFromInt(10)
	switch {
	case router.SlippageEstimate.LessThan(five):
		routerContribution = routerContribution.Add(decimal.NewFromInt(25))
	case router.SlippageEstimate.LessThan(ten):
		routerContribution = routerContribution.Add(decimal.NewFromInt(15))
	}
	if !router.Blacklisted {
		routerContribution = routerContribution.Add(decimal.NewFromInt(15))
	}

	chainContribution := decimal.NewFromInt(50)
	switch {
	case chain.CreatorInfo.RuggedTokens == 0:
		chainContribution = chainContribution.Add(decimal.NewFromInt(25))
	case chain.CreatorInfo.RuggedTokens <= 1:
		chainContribution = chainContribution.Add(decimal.NewFromInt(10))
	}
	forty := decimal.NewFromInt(40)
	sixty := decimal.NewFromInt(60)
	switch {
	case chain.TopHoldersPercentage.LessThan(forty):
		chainContribution = chainContribution.Add(decimal.NewFromInt(15))
	case chain.TopHoldersPercentage.LessThan(sixty):
		chainContribution = chainContribution.Add(decimal.NewFromInt(5))
	}
	if chain.FundingPattern == domain.FundingOrganic {
		chainContribution = chainContribution.Add(decimal.NewFromInt(10))
	}

	total := marketContribution.Mul(p.weights.Market).
		Add(securityContribution.Mul(p.weights.Security)).
		Add(routerContribution.Mul(p.weights.Router)).
		Add(chainContribution.Mul(p.weights.Chain))

	return clamp(total, decimal.Zero, decimal.NewFromInt(100))
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func failedAnalysis(address domain.TokenAddress, reason string) domain.CombinedAnalysis {
	return domain.CombinedAnalysis{
		Address:       address,
		Market:        domain.MarketSnapshot{Address: address, Filtered: true, FilterReason: reason},
		Security:      domain.SecurityReport{Address: address, Filtered: true, FilterReason: reason},
		Router:        domain.RouterReport{Address: address, Filtered: true, FilterReason: reason},
		Chain:         domain.ChainReport{Address: address, Filtered: true, FilterReason: reason},
		OverallScore:  decimal.Zero,
		Passed:        false,
		FailedFilters: []string{reason},
		Timestamp:     time.Now().UTC(),
	}
}

func sentinelSecurity(address domain.TokenAddress, stage string) domain.SecurityReport {
	return domain.SecurityReport{Address: address, Filtered: true, FilterReason: fmt.Sprintf("Failed before %s analysis", stage)}
}
func sentinelRouter(address domain.TokenAddress, stage string) domain.RouterReport {
	return domain.RouterReport{Address: address, Filtered: true, FilterReason: fmt.Sprintf("Failed before %s analysis", stage)}
}
func sentinelChain(address domain.TokenAddress, stage string) domain.ChainReport {
	return domain.ChainReport{Address: address, Filtered: true, FilterReason: fmt.Sprintf("Failed before %s analysis", stage)}
}

// ProcessBatch fans ProcessOne out across addresses with a bounded
// concurrency cap, grounded on price_service.go's GetWeightedPrice
// fan-out-then-collect pattern (goroutines writing to a buffered result
// channel, collected with a for range), generalized with a semaphore.
func (p *Pipeline) ProcessBatch(ctx context.Context, addresses []domain.TokenAddress, criteria domain.FilterCriteria) []domain.CombinedAnalysis {
	results := make([]domain.CombinedAnalysis, len(addresses))
	sem := make(chan struct{}, p.maxConcurrent)

	type indexed struct {
		idx int
		a   domain.CombinedAnalysis
	}
	resultsCh := make(chan indexed, len(addresses))

	for i, addr := range addresses {
		sem <- struct{}{}
		go func(i int, addr domain.TokenAddress) {
			defer func() { <-sem }()
			a := p.ProcessOne(ctx, addr, criteria)
			resultsCh <- indexed{i, a}
		}(i, addr)
	}

	for range addresses {
		r := <-resultsCh
		results[r.idx] = r.a
	}
	return results
}
