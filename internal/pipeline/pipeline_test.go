package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/pipeline"
)

type fakeMarket struct {
	snap domain.MarketSnapshot
	err  error
}

func (f fakeMarket) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeSecurity struct {
	report domain.SecurityReport
	err    error
}

func (f fakeSecurity) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.SecurityReport, error) {
	return f.report, f.err
}

type fakeRouter struct {
	report domain.RouterReport
	err    error
}

func (f fakeRouter) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.RouterReport, error) {
	return f.report, f.err
}

type fakeChain struct {
	report domain.ChainReport
	err    error
}

func (f fakeChain) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.ChainReport, error) {
	return f.report, f.err
}

func defaultWeights() pipeline.Weights {
	return pipeline.Weights{
		Market:   decimal.NewFromFloat(0.25),
		Security: decimal.NewFromFloat(0.35),
		Router:   decimal.NewFromFloat(0.20),
		Chain:    decimal.NewFromFloat(0.20),
	}
}

func TestProcessOne_HappyPath(t *testing.T) {
	market := fakeMarket{snap: domain.MarketSnapshot{
		AgeHours: 30, Liquidity: decimal.NewFromInt(25000), Volume24h: decimal.NewFromInt(20000),
	}}
	security := fakeSecurity{report: domain.SecurityReport{
		SafetyScore: decimal.NewFromInt(9), HolderConcentration: decimal.NewFromInt(30),
	}}
	router := fakeRouter{report: domain.RouterReport{
		RoutingAvailable: true, SlippageEstimate: decimal.NewFromInt(7), RouteCount: 3,
	}}
	chain := fakeChain{report: domain.ChainReport{
		CreatorInfo: domain.CreatorInfo{RuggedTokens: 1}, TopHoldersPercentage: decimal.NewFromInt(35),
		FundingPattern: domain.FundingOrganic,
	}}

	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(market, security, router, chain, c, false, 4, time.Second, defaultWeights(), nil)

	result := p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	if !result.Passed {
		t.Fatalf("expected happy path to pass, failedFilters=%v", result.FailedFilters)
	}
	score, _ := result.OverallScore.Float64()
	if score < 85 || score > 95 {
		t.Errorf("expected score in [85,95], got %.2f", score)
	}
}

func TestProcessOne_SecurityShortCircuit(t *testing.T) {
	market := fakeMarket{snap: domain.MarketSnapshot{AgeHours: 6}}
	security := fakeSecurity{report: domain.SecurityReport{
		Filtered: true, FilterReason: "Security: Safety score too low: 4 < 6",
	}}
	router := fakeRouter{}
	chain := fakeChain{}

	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(market, security, router, chain, c, false, 4, time.Second, defaultWeights(), nil)

	result := p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	if result.Passed {
		t.Fatal("expected security short-circuit to fail the analysis")
	}
	if len(result.FailedFilters) != 1 {
		t.Fatalf("expected exactly one failedFilters entry, got %v", result.FailedFilters)
	}
	if !result.Router.Filtered || !result.Chain.Filtered {
		t.Error("expected un-run stages to carry filtered sentinel reports")
	}
}

func TestProcessOne_MarketUnavailableDegrades(t *testing.T) {
	market := fakeMarket{err: domain.ErrSourceUnavailable}
	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(market, fakeSecurity{}, fakeRouter{}, fakeChain{}, c, false, 4, time.Second, defaultWeights(), nil)

	result := p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	if result.Passed {
		t.Fatal("expected source-unavailable market stage to fail the analysis")
	}
}

func TestProcessOne_CachesResult(t *testing.T) {
	var calls int
	market := countingMarket{calls: &calls}
	security := fakeSecurity{report: domain.SecurityReport{SafetyScore: decimal.NewFromInt(10)}}
	router := fakeRouter{report: domain.RouterReport{RoutingAvailable: true}}
	chain := fakeChain{}

	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(market, security, router, chain, c, true, 4, time.Second, defaultWeights(), nil)

	p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})

	if calls != 1 {
		t.Errorf("expected 1 underlying Market.Analyze call due to result caching, got %d", calls)
	}
}

type countingMarket struct {
	calls *int
}

func (c countingMarket) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error) {
	*c.calls++
	return domain.MarketSnapshot{AgeHours: 6, Liquidity: decimal.NewFromInt(25000), Volume24h: decimal.NewFromInt(20000)}, nil
}

// panickingMarket panics for one address so the batch test can check that
// the other tokens in the same batch still complete.
type panickingMarket struct {
	fakeMarket
	bad domain.TokenAddress
}

func (m panickingMarket) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error) {
	if address == m.bad {
		panic("market stage blew up")
	}
	return m.fakeMarket.Analyze(ctx, address, criteria)
}

func TestProcessBatch_IsolatesPerTokenFailures(t *testing.T) {
	c := cache.New(10, 0)
	defer c.Close()

	goodMarket := fakeMarket{snap: domain.MarketSnapshot{AgeHours: 6, Liquidity: decimal.NewFromInt(25000), Volume24h: decimal.NewFromInt(20000)}}
	security := fakeSecurity{report: domain.SecurityReport{SafetyScore: decimal.NewFromInt(10)}}
	router := fakeRouter{report: domain.RouterReport{RoutingAvailable: true}}
	chain := fakeChain{}

	market := panickingMarket{fakeMarket: goodMarket, bad: "0x2"}
	p := pipeline.New(market, security, router, chain, c, false, 2, time.Second, defaultWeights(), nil)
	addrs := []domain.TokenAddress{"0x1", "0x2", "0x3"}
	results := p.ProcessBatch(context.Background(), addrs, domain.FilterCriteria{})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if addrs[i] == "0x2" {
			if r.Passed {
				t.Errorf("result %d expected to fail after its market stage panicked", i)
			}
			continue
		}
		if !r.Passed {
			t.Errorf("result %d expected to pass", i)
		}
	}
}

func TestProcessOne_TimeoutYieldsFailedAnalysis(t *testing.T) {
	slowMarket := slowMarketAnalyzer{}
	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(slowMarket, fakeSecurity{}, fakeRouter{}, fakeChain{}, c, false, 1, time.Millisecond, defaultWeights(), nil)

	result := p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	if result.Passed {
		t.Fatal("expected timeout to produce a failed analysis")
	}
	if len(result.FailedFilters) != 1 || result.FailedFilters[0] != "pipeline: timeout" {
		t.Errorf("expected FailedFilters=[%q], got %v", "pipeline: timeout", result.FailedFilters)
	}
}

// TestProcessOne_TimeoutDuringChainStageYieldsFailedAnalysis guards against
// the Chain stage being the one place the ctx.Err() check after a stage's
// Analyze call was missing: without it, a deadline expiring specifically
// during the Chain RPC would report "Chain: source unavailable" instead of
// "pipeline: timeout".
func TestProcessOne_TimeoutDuringChainStageYieldsFailedAnalysis(t *testing.T) {
	slowChain := slowChainAnalyzer{}
	c := cache.New(10, 0)
	defer c.Close()
	p := pipeline.New(fakeMarket{}, fakeSecurity{}, fakeRouter{}, slowChain, c, false, 1, 20*time.Millisecond, defaultWeights(), nil)

	result := p.ProcessOne(context.Background(), "0xABC", domain.FilterCriteria{})
	if result.Passed {
		t.Fatal("expected timeout to produce a failed analysis")
	}
	if len(result.FailedFilters) != 1 || result.FailedFilters[0] != "pipeline: timeout" {
		t.Errorf("expected FailedFilters=[%q], got %v", "pipeline: timeout", result.FailedFilters)
	}
}

type slowMarketAnalyzer struct{}

func (slowMarketAnalyzer) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error) {
	select {
	case <-time.After(50 * time.Millisecond):
		return domain.MarketSnapshot{}, nil
	case <-ctx.Done():
		return domain.MarketSnapshot{}, ctx.Err()
	}
}

type slowChainAnalyzer struct{}

func (slowChainAnalyzer) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.ChainReport, error) {
	select {
	case <-time.After(50 * time.Millisecond):
		return domain.ChainReport{}, nil
	case <-ctx.Done():
		return domain.ChainReport{}, ctx.Err()
	}
}
