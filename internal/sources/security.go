package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/ratelimit"
)

const securityTTL = 300 * time.Second

var suspiciousNamePatterns = []string{"safe", "moon", "elon", "inu", "x100", "airdrop", "presale"}

// SecurityClient is the C3-Security source client: contract/holder-safety
// signals used to compute a 0..10 safety score and honeypot heuristic.
type SecurityClient struct {
	base
}

func NewSecurityClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, c *cache.Cache) *SecurityClient {
	return &SecurityClient{base: newBase(baseURL, "security", timeout, limiter, c)}
}

type securityRawResponse struct {
	MintAuthority       bool   `json:"mintAuthority"`
	FreezeAuthority     bool   `json:"freezeAuthority"`
	LiquidityLocked     bool   `json:"liquidityLocked"`
	HolderCount         int    `json:"holderCount"`
	HolderConcentration string `json:"holderConcentration"`
	Symbol              string `json:"symbol"`
	Name                string `json:"name"`
}

// Analyze fetches (or reuses a cached) SecurityReport, computes the 0..10
// safety score and honeypot heuristic per §4.3, and applies the Security
// stage's filter: safetyScore >= minSafetyScore and (!honeypotRisk ||
// allowHoneypot).
func (s *SecurityClient) Analyze(ctx context.Context, address domain.TokenAddress, criteria domain.FilterCriteria) (domain.SecurityReport, error) {
	cacheKey := "security:" + address.Canonical()

	var report domain.SecurityReport
	if v, ok := s.cache.Get(cacheKey); ok {
		report = v.(domain.SecurityReport)
	} else {
		var resp securityRawResponse
		if err := s.doGet(ctx, "/v1/security/"+address.Canonical(), &resp); err != nil {
			return domain.SecurityReport{Address: address, Filtered: true, FilterReason: "source unavailable"}, nil
		}

		concentration, _ := decimal.NewFromString(resp.HolderConcentration)
		report = buildSecurityReport(address, resp.MintAuthority, resp.FreezeAuthority,
			resp.LiquidityLocked, resp.HolderCount, concentration, resp.Symbol, resp.Name)
		s.cache.Set(cacheKey, report, securityTTL)
	}

	applySecurityFilter(&report, criteria)
	return report, nil
}

func buildSecurityReport(address domain.TokenAddress, mint, freeze, lpLocked bool, holderCount int,
	concentration decimal.Decimal, symbol, name string) domain.SecurityReport {

	score := decimal.NewFromInt(10)
	var risks, warnings []string

	if mint {
		score = score.Sub(decimal.NewFromInt(2))
		risks = append(risks, "mint authority retained")
	}
	if freeze {
		score = score.Sub(decimal.NewFromInt(2))
		risks = append(risks, "freeze authority retained")
	}

	sixty := decimal.NewFromInt(60)
	forty := decimal.NewFromInt(40)
	switch {
	case concentration.GreaterThan(sixty):
		score = score.Sub(decimal.NewFromInt(3))
		risks = append(risks, "holder concentration above 60%")
	case concentration.GreaterThan(forty):
		score = score.Sub(decimal.NewFromInt(1))
		warnings = append(warnings, "holder concentration above 40%")
	}

	if !lpLocked {
		score = score.Sub(decimal.NewFromInt(3))
		risks = append(risks, "liquidity not locked")
	}

	lowerSymbol := strings.ToLower(symbol)
	lowerName := strings.ToLower(name)
	suspiciousMatch := false
	for _, p := range suspiciousNamePatterns {
		if strings.Contains(lowerSymbol, p) || strings.Contains(lowerName, p) {
			suspiciousMatch = true
			break
		}
	}
	if suspiciousMatch {
		score = score.Sub(decimal.NewFromInt(1))
		warnings = append(warnings, "symbol/name matches a suspicious pattern")
	}

	if score.LessThan(decimal.Zero) {
		score = decimal.Zero
	}

	ninety := decimal.NewFromInt(90)
	honeypot := holderCount < 5 || concentration.GreaterThan(ninety) || suspiciousMatch

	return domain.SecurityReport{
		Address:             address,
		HoneypotRisk:        honeypot,
		MintAuthority:       mint,
		FreezeAuthority:     freeze,
		LiquidityLocked:     lpLocked,
		HolderConcentration: concentration,
		SafetyScore:         score,
		Risks:               risks,
		Warnings:            warnings,
	}
}

func applySecurityFilter(report *domain.SecurityReport, c domain.FilterCriteria) {
	if report.Filtered {
		return
	}
	if c.MinSafetyScore != nil && report.SafetyScore.LessThan(*c.MinSafetyScore) {
		report.Filtered = true
		report.FilterReason = fmt.Sprintf("Security: Safety score too low: %s < %s", report.SafetyScore, *c.MinSafetyScore)
		return
	}
	allowHoneypot := c.AllowHoneypot != nil && *c.AllowHoneypot
	if report.HoneypotRisk && !allowHoneypot {
		report.Filtered = true
		report.FilterReason = "Security: honeypot risk detected"
		return
	}
}

// Health probes the Security source's liveness.
func (s *SecurityClient) Health(ctx context.Context) Health {
	return measureHealth(ctx, s.base, "/v1/health")
}
