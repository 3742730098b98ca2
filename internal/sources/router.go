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

const routerTTL = 120 * time.Second

// referenceNotionalUSD is the fixed input amount quoted when probing a
// route, per §4.3 ("probe a route for a fixed reference notional").
const referenceNotionalUSD = "1000"

// RouterClient is the C3-Router source client: DEX routing quality for a
// token's primary trading pair.
type RouterClient struct {
	base
}

func NewRouterClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, c *cache.Cache) *RouterClient {
	return &RouterClient{base: newBase(baseURL, "router", timeout, limiter, c)}
}

type routerQuoteResponse struct {
	RoutingAvailable bool   `json:"routingAvailable"`
	SlippageEstimate string `json:"slippageEstimate"`
	Spread           string `json:"spread"`
	Volume24h        string `json:"volume24h"`
	Blacklisted      bool   `json:"blacklisted"`
	RouteCount       int    `json:"routeCount"`
}

// Analyze fetches (or reuses a cached) RouterReport for a fixed reference
// notional and applies the Router stage's filter: routingAvailable (when
// required), slippageEstimate <= maxSlippage, !blacklisted (unless
// allowed).
func (r *RouterClient) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.RouterReport, error) {
	cacheKey := "router:" + address.Canonical()

	var report domain.RouterReport
	if v, ok := r.cache.Get(cacheKey); ok {
		report = v.(domain.RouterReport)
	} else {
		var resp routerQuoteResponse
		path := fmt.Sprintf("/v1/quote/%s?notional=%s", address.Canonical(), referenceNotionalUSD)
		if err := r.doGet(ctx, path, &resp); err != nil {
			return domain.RouterReport{Address: address, Filtered: true, FilterReason: "source unavailable"}, nil
		}

		slippage, _ := decimal.NewFromString(resp.SlippageEstimate)
		spread, _ := decimal.NewFromString(resp.Spread)
		volume, _ := decimal.NewFromString(resp.Volume24h)

		report = domain.RouterReport{
			Address:          address,
			RoutingAvailable: resp.RoutingAvailable,
			SlippageEstimate: slippage,
			Spread:           spread,
			Volume24h:        volume,
			Blacklisted:      resp.Blacklisted,
			RouteCount:       resp.RouteCount,
		}
		r.cache.Set(cacheKey, report, routerTTL)
	}

	applyRouterFilter(&report, criteria)
	return report, nil
}

func applyRouterFilter(report *domain.RouterReport, c domain.FilterCriteria) {
	if report.Filtered {
		return
	}
	if c.RequireRouting != nil && *c.RequireRouting && !report.RoutingAvailable {
		report.Filtered = true
		report.FilterReason = "Router: routing unavailable"
		return
	}
	if c.MaxSlippage != nil && report.SlippageEstimate.GreaterThan(*c.MaxSlippage) {
		report.Filtered = true
		report.FilterReason = fmt.Sprintf("Router: slippage too high: %s > %s", report.SlippageEstimate, *c.MaxSlippage)
		return
	}
	allowBlacklisted := c.AllowBlacklisted != nil && *c.AllowBlacklisted
	if report.Blacklisted && !allowBlacklisted {
		report.Filtered = true
		report.FilterReason = "Router: token is blacklisted"
		return
	}
}

// Health probes the Router source's liveness.
func (r *RouterClient) Health(ctx context.Context) Health {
	return measureHealth(ctx, r.base, "/v1/health")
}
