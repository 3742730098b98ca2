package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/ratelimit"
)

const (
	marketRawTTL      = 60 * time.Second
	marketTrendingTTL = 30 * time.Second
)

// MarketClient is the C3-Market source client: recently-launched token
// discovery plus per-token price/volume/liquidity metrics.
type MarketClient struct {
	base
}

func NewMarketClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, c *cache.Cache) *MarketClient {
	return &MarketClient{base: newBase(baseURL, "market", timeout, limiter, c)}
}

type trendingResponse struct {
	Tokens []struct {
		Address         string  `json:"address"`
		Symbol          string  `json:"symbol"`
		Name            string  `json:"name"`
		LaunchTimestamp int64   `json:"launchTimestamp"`
		Price           string  `json:"price"`
		MarketCap       string  `json:"marketCap"`
		Volume24h       string  `json:"volume24h"`
		Liquidity       string  `json:"liquidity"`
	} `json:"tokens"`
}

// Trending returns recently-launched candidate addresses. Cached for 30s
// under a fixed key since the endpoint takes no per-token parameter.
func (m *MarketClient) Trending(ctx context.Context) ([]domain.TokenAddress, error) {
	const cacheKey = "market:trending"
	if v, ok := m.cache.Get(cacheKey); ok {
		return v.([]domain.TokenAddress), nil
	}

	var resp trendingResponse
	if err := m.doGet(ctx, "/v1/trending", &resp); err != nil {
		return nil, fmt.Errorf("market: trending: %w", err)
	}

	addrs := make([]domain.TokenAddress, 0, len(resp.Tokens))
	for _, t := range resp.Tokens {
		addrs = append(addrs, domain.TokenAddress(t.Address))
	}
	m.cache.Set(cacheKey, addrs, marketTrendingTTL)
	return addrs, nil
}

type marketRawResponse struct {
	Address         string `json:"address"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name"`
	LaunchTimestamp int64  `json:"launchTimestamp"`
	Price           string `json:"price"`
	MarketCap       string `json:"marketCap"`
	Volume24h       string `json:"volume24h"`
	Liquidity       string `json:"liquidity"`
}

// Analyze fetches (or reuses a cached) MarketSnapshot and applies the
// Market stage's filter rules: age bounds, minLiquidity, minVolume. A
// source failure after retries degrades to filtered=true rather than
// returning an error, per §4.3.
func (m *MarketClient) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.MarketSnapshot, error) {
	cacheKey := "market:raw:" + address.Canonical()

	var snap domain.MarketSnapshot
	if v, ok := m.cache.Get(cacheKey); ok {
		snap = v.(domain.MarketSnapshot)
	} else {
		var resp marketRawResponse
		if err := m.doGet(ctx, "/v1/token/"+address.Canonical(), &resp); err != nil {
			return domain.MarketSnapshot{Address: address, Filtered: true, FilterReason: "source unavailable"}, nil
		}

		price, _ := decimal.NewFromString(resp.Price)
		marketCap, _ := decimal.NewFromString(resp.MarketCap)
		volume, _ := decimal.NewFromString(resp.Volume24h)
		liquidity, _ := decimal.NewFromString(resp.Liquidity)
		launch := time.Unix(resp.LaunchTimestamp, 0).UTC()

		snap = domain.MarketSnapshot{
			Address:         address,
			Symbol:          resp.Symbol,
			Name:            resp.Name,
			LaunchTimestamp: launch,
			Price:           price,
			MarketCap:       marketCap,
			Volume24h:       volume,
			Liquidity:       liquidity,
			AgeHours:        time.Since(launch).Hours(),
		}
		m.cache.Set(cacheKey, snap, marketRawTTL)
	}

	applyMarketFilter(&snap, criteria)
	return snap, nil
}

func applyMarketFilter(snap *domain.MarketSnapshot, c domain.FilterCriteria) {
	if snap.Filtered {
		return // already a sentinel report; don't overwrite the reason
	}
	if c.MinAge != nil && snap.AgeHours < *c.MinAge {
		snap.Filtered = true
		snap.FilterReason = fmt.Sprintf("Market: age too low: %.2fh < %.2fh", snap.AgeHours, *c.MinAge)
		return
	}
	if c.MaxAge != nil && snap.AgeHours > *c.MaxAge {
		snap.Filtered = true
		snap.FilterReason = fmt.Sprintf("Market: age too high: %.2fh > %.2fh", snap.AgeHours, *c.MaxAge)
		return
	}
	if c.MinLiquidity != nil && snap.Liquidity.LessThan(*c.MinLiquidity) {
		snap.Filtered = true
		snap.FilterReason = fmt.Sprintf("Market: liquidity too low: %s < %s", snap.Liquidity, *c.MinLiquidity)
		return
	}
	if c.MinVolume != nil && snap.Volume24h.LessThan(*c.MinVolume) {
		snap.Filtered = true
		snap.FilterReason = fmt.Sprintf("Market: volume too low: %s < %s", snap.Volume24h, *c.MinVolume)
		return
	}
}

// Health probes the Market source's liveness.
func (m *MarketClient) Health(ctx context.Context) Health {
	return measureHealth(ctx, m.base, "/v1/health")
}
