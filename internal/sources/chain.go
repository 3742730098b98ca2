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

const chainTTL = 600 * time.Second

// ChainClient is the C3-Chain source client: creator/holder on-chain
// analysis.
type ChainClient struct {
	base
}

func NewChainClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, c *cache.Cache) *ChainClient {
	return &ChainClient{base: newBase(baseURL, "chain", timeout, limiter, c)}
}

type chainRawResponse struct {
	CreatorWallet string `json:"creatorWallet"`
	CreatorInfo   struct {
		CreatedTokens    int    `json:"createdTokens"`
		RuggedTokens     int    `json:"ruggedTokens"`
		SuccessfulTokens int    `json:"successfulTokens"`
		FirstTokenDate   int64  `json:"firstTokenDate"`
		AverageHolding   string `json:"averageHolding"`
	} `json:"creatorInfo"`
	TopHolders []struct {
		Address    string `json:"address"`
		Percentage string `json:"percentage"`
	} `json:"topHolders"`
	FundingPattern string `json:"fundingPattern"`
}

// Analyze fetches (or reuses a cached) ChainReport, computes
// topHoldersPercentage as Σ(top-3 holders)/Σ(all holders)×100 (100 if no
// holders known), and applies the Chain stage's filter: ruggedTokens <=
// maxCreatorRugs and topHoldersPercentage <= maxTopHoldersPercentage.
func (c *ChainClient) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.ChainReport, error) {
	cacheKey := "chain:" + address.Canonical()

	var report domain.ChainReport
	if v, ok := c.cache.Get(cacheKey); ok {
		report = v.(domain.ChainReport)
	} else {
		var resp chainRawResponse
		if err := c.doGet(ctx, "/v1/chain/"+address.Canonical(), &resp); err != nil {
			return domain.ChainReport{Address: address, Filtered: true, FilterReason: "source unavailable"}, nil
		}
		report = buildChainReport(address, resp)
		c.cache.Set(cacheKey, report, chainTTL)
	}

	applyChainFilter(&report, criteria)
	return report, nil
}

func buildChainReport(address domain.TokenAddress, resp chainRawResponse) domain.ChainReport {
	holders := make([]domain.HolderBalance, 0, len(resp.TopHolders))
	var total decimal.Decimal
	for _, h := range resp.TopHolders {
		pct, _ := decimal.NewFromString(h.Percentage)
		holders = append(holders, domain.HolderBalance{Address: h.Address, Percentage: pct})
		total = total.Add(pct)
	}

	var topThree decimal.Decimal
	for i := 0; i < len(holders) && i < 3; i++ {
		topThree = topThree.Add(holders[i].Percentage)
	}

	topHoldersPct := decimal.NewFromInt(100)
	if total.GreaterThan(decimal.Zero) {
		topHoldersPct = topThree.Div(total).Mul(decimal.NewFromInt(100))
	}

	avgHolding, _ := decimal.NewFromString(resp.CreatorInfo.AverageHolding)
	var successRate decimal.Decimal
	if resp.CreatorInfo.CreatedTokens > 0 {
		successRate = decimal.NewFromInt(int64(resp.CreatorInfo.SuccessfulTokens)).
			Div(decimal.NewFromInt(int64(resp.CreatorInfo.CreatedTokens)))
	}

	return domain.ChainReport{
		Address:       address,
		CreatorWallet: resp.CreatorWallet,
		CreatorInfo: domain.CreatorInfo{
			CreatedTokens:    resp.CreatorInfo.CreatedTokens,
			RuggedTokens:     resp.CreatorInfo.RuggedTokens,
			SuccessfulTokens: resp.CreatorInfo.SuccessfulTokens,
			SuccessRate:      successRate,
			FirstTokenDate:   time.Unix(resp.CreatorInfo.FirstTokenDate, 0).UTC(),
			AverageHolding:   avgHolding,
		},
		TopHolders:           holders,
		TopHoldersPercentage: topHoldersPct,
		FundingPattern:       classifyFundingPattern(resp.FundingPattern),
	}
}

func classifyFundingPattern(raw string) domain.FundingPattern {
	switch domain.FundingPattern(raw) {
	case domain.FundingSuspicious:
		return domain.FundingSuspicious
	case domain.FundingCoordinated:
		return domain.FundingCoordinated
	default:
		return domain.FundingOrganic
	}
}

func applyChainFilter(report *domain.ChainReport, c domain.FilterCriteria) {
	if report.Filtered {
		return
	}
	if c.MaxCreatorRugs != nil && report.CreatorInfo.RuggedTokens > *c.MaxCreatorRugs {
		report.Filtered = true
		report.FilterReason = fmt.Sprintf("Chain: creator has too many rugged tokens: %d > %d",
			report.CreatorInfo.RuggedTokens, *c.MaxCreatorRugs)
		return
	}
	if c.MaxTopHoldersPercentage != nil && report.TopHoldersPercentage.GreaterThan(*c.MaxTopHoldersPercentage) {
		report.Filtered = true
		report.FilterReason = fmt.Sprintf("Chain: top holders concentration too high: %s > %s",
			report.TopHoldersPercentage, *c.MaxTopHoldersPercentage)
		return
	}
}

// Health probes the Chain source's liveness.
func (c *ChainClient) Health(ctx context.Context) Health {
	return measureHealth(ctx, c.base, "/v1/health")
}
