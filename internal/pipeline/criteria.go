package pipeline

import (
	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/config"
	"github.com/tokensentry/sentinel/internal/domain"
)

// CriteriaFromConfig converts the env-configured FilterDefaults (where
// every field is always set) into the pointer-typed domain.FilterCriteria
// the pipeline's stage filters consume, where a nil field means "no
// constraint." This is the one conversion point between the always-set
// config representation and the optional-field domain representation.
func CriteriaFromConfig(d config.FilterDefaults) domain.FilterCriteria {
	minAge := d.MinAgeHours
	maxAge := d.MaxAgeHours
	minLiquidity := decimal.NewFromFloat(d.MinLiquidityUSD)
	minVolume := decimal.NewFromFloat(d.MinVolumeUSD)
	minSafetyScore := decimal.NewFromFloat(d.MinSafetyScore)
	allowHoneypot := d.AllowHoneypot
	requireRouting := d.RequireRouting
	maxSlippage := decimal.NewFromFloat(d.MaxSlippagePct)
	allowBlacklisted := d.AllowBlacklisted
	maxCreatorRugs := d.MaxCreatorRugs
	maxTopHoldersPercentage := decimal.NewFromFloat(d.MaxTopHoldersPercentage)

	return domain.FilterCriteria{
		MinAge:                  &minAge,
		MaxAge:                  &maxAge,
		MinLiquidity:            &minLiquidity,
		MinVolume:               &minVolume,
		MinSafetyScore:          &minSafetyScore,
		AllowHoneypot:           &allowHoneypot,
		RequireRouting:          &requireRouting,
		MaxSlippage:             &maxSlippage,
		AllowBlacklisted:        &allowBlacklisted,
		MaxCreatorRugs:          &maxCreatorRugs,
		MaxTopHoldersPercentage: &maxTopHoldersPercentage,
	}
}
