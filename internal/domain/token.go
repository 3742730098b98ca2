package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenAddress is an opaque token identity. It is compared case-
// insensitively everywhere; Canonical() is the single place that rule is
// enforced, so callers never need to repeat strings.ToLower at a boundary.
type TokenAddress string

// Canonical returns the lower-cased form used as every map/cache key.
func (t TokenAddress) Canonical() string {
	return strings.ToLower(string(t))
}

func (t TokenAddress) String() string {
	return string(t)
}

// FilterCriteria is the configuration a pipeline run is evaluated against.
// A nil pointer field means "no constraint" — the zero value of the
// pointed-to type is not a safe stand-in for "unset" here, since 0 is a
// meaningful bound for several of these (e.g. MinLiquidity).
type FilterCriteria struct {
	MinAge *float64 // hours
	MaxAge *float64 // hours

	MinLiquidity *decimal.Decimal // USD
	MinVolume    *decimal.Decimal // USD

	MinSafetyScore *decimal.Decimal // 0..10

	AllowHoneypot *bool

	RequireRouting   *bool
	MaxSlippage      *decimal.Decimal // percent
	AllowBlacklisted *bool

	MaxCreatorRugs          *int
	MaxTopHoldersPercentage *decimal.Decimal // 0..100
}

// MarketSnapshot is the C3-Market stage output.
type MarketSnapshot struct {
	Address         TokenAddress
	Symbol          string
	Name            string
	LaunchTimestamp time.Time
	Price           decimal.Decimal
	MarketCap       decimal.Decimal
	Volume24h       decimal.Decimal
	Liquidity       decimal.Decimal
	AgeHours        float64
	Filtered        bool
	FilterReason    string
}

// SecurityReport is the C3-Security stage output.
type SecurityReport struct {
	Address             TokenAddress
	HoneypotRisk        bool
	MintAuthority       bool
	FreezeAuthority     bool
	LiquidityLocked     bool
	HolderConcentration decimal.Decimal // 0..100
	SafetyScore         decimal.Decimal // 0..10
	Risks               []string
	Warnings            []string
	Filtered            bool
	FilterReason        string
}

// RouterReport is the C3-Router stage output.
type RouterReport struct {
	Address          TokenAddress
	RoutingAvailable bool
	SlippageEstimate decimal.Decimal // percent
	Spread           decimal.Decimal
	Volume24h        decimal.Decimal
	Blacklisted      bool
	RouteCount       int
	Filtered         bool
	FilterReason     string
}

// FundingPattern classifies how a token's early liquidity was funded, per
// the Chain stage's holder/creator analysis.
type FundingPattern string

const (
	FundingOrganic     FundingPattern = "organic"
	FundingSuspicious  FundingPattern = "suspicious"
	FundingCoordinated FundingPattern = "coordinated"
)

// CreatorInfo summarizes a token creator's track record across other tokens
// they have deployed.
type CreatorInfo struct {
	CreatedTokens    int
	RuggedTokens     int
	SuccessfulTokens int
	SuccessRate      decimal.Decimal // 0..1
	FirstTokenDate   time.Time
	AverageHolding   decimal.Decimal // percent
}

// HolderBalance is one entry in a ChainReport's top-holders list.
type HolderBalance struct {
	Address    string
	Percentage decimal.Decimal // 0..100
}

// ChainReport is the C3-Chain stage output.
type ChainReport struct {
	Address              TokenAddress
	CreatorWallet        string
	CreatorInfo          CreatorInfo
	TopHolders           []HolderBalance
	TopHoldersPercentage decimal.Decimal // 0..100
	FundingPattern       FundingPattern
	Filtered             bool
	FilterReason         string
}

// CombinedAnalysis is the C4 pipeline's terminal artifact for one token: the
// merged stage reports plus the weighted score and pass/reject verdict.
//
// Invariant: Passed == !(Market.Filtered || Security.Filtered ||
// Router.Filtered || Chain.Filtered).
type CombinedAnalysis struct {
	Address       TokenAddress
	Market        MarketSnapshot
	Security      SecurityReport
	Router        RouterReport
	Chain         ChainReport
	OverallScore  decimal.Decimal // 0..100
	Passed        bool
	FailedFilters []string
	Timestamp     time.Time
}

// RunStatus is the lifecycle state of one Aggregator cycle.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run records one Aggregator cycle: how many candidates were discovered,
// processed and passed, plus any errors encountered along the way.
type Run struct {
	ID         string
	StartTime  time.Time
	EndTime    *time.Time
	Discovered int
	Processed  int
	Passed     int
	Errors     []string
	Status     RunStatus
}

// Subscription is one client's channel registration. The hub package does
// not use this type; it tracks each client's channels on its own Client
// type.
type Subscription struct {
	ClientID string
	Channels map[string]struct{}
}

// NewSubscription returns an empty subscription for the given client.
func NewSubscription(clientID string) Subscription {
	return Subscription{ClientID: clientID, Channels: make(map[string]struct{})}
}

func (s Subscription) HasChannel(channel string) bool {
	_, ok := s.Channels[channel]
	return ok
}
