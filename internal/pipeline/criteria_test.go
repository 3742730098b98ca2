package pipeline_test

import (
	"testing"

	"github.com/tokensentry/sentinel/internal/config"
	"github.com/tokensentry/sentinel/internal/pipeline"
)

func TestCriteriaFromConfig_AllFieldsSet(t *testing.T) {
	d := config.FilterDefaults{
		MinAgeHours: 1, MaxAgeHours: 24, MinLiquidityUSD: 10000, MinVolumeUSD: 5000,
		MinSafetyScore: 6, AllowHoneypot: false, RequireRouting: true, MaxSlippagePct: 5,
		AllowBlacklisted: false, MaxCreatorRugs: 0, MaxTopHoldersPercentage: 50,
	}
	c := pipeline.CriteriaFromConfig(d)

	if c.MinAge == nil || *c.MinAge != 1 {
		t.Error("expected MinAge to be set from config")
	}
	if c.MaxCreatorRugs == nil || *c.MaxCreatorRugs != 0 {
		t.Error("expected MaxCreatorRugs to be set from config, even when zero")
	}
	if c.RequireRouting == nil || !*c.RequireRouting {
		t.Error("expected RequireRouting to be true")
	}
}
