package sources_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/sources"
)

func mockSecurity(mint, freeze, lpLocked bool, holderCount int, concentration string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"mintAuthority":       mint,
			"freezeAuthority":     freeze,
			"liquidityLocked":     lpLocked,
			"holderCount":         holderCount,
			"holderConcentration": concentration,
			"symbol":              "FOO",
			"name":                "Foo Token",
		})
	})
}

func TestSecurityClient_Analyze_HighScorePasses(t *testing.T) {
	srv := httptest.NewServer(mockSecurity(false, false, true, 500, "30"))
	defer srv.Close()

	limiter := newTestLimiter("security")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewSecurityClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{MinSafetyScore: decPtr("6")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filtered {
		t.Errorf("expected report to pass, got filtered: %s", report.FilterReason)
	}
	if !report.SafetyScore.Equal(report.SafetyScore) {
		t.Fatal("sanity check")
	}
}

func TestSecurityClient_Analyze_LowScoreFiltered(t *testing.T) {
	// mint + freeze + high concentration + not locked => score well under 6.
	srv := httptest.NewServer(mockSecurity(true, true, false, 500, "70"))
	defer srv.Close()

	limiter := newTestLimiter("security")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewSecurityClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{MinSafetyScore: decPtr("6")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Filtered {
		t.Error("expected report to be filtered for low safety score")
	}
}

func TestSecurityClient_Analyze_HoneypotByLowHolderCount(t *testing.T) {
	srv := httptest.NewServer(mockSecurity(false, false, true, 2, "10"))
	defer srv.Close()

	limiter := newTestLimiter("security")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewSecurityClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.HoneypotRisk {
		t.Error("expected holder count < 5 to flag honeypot risk")
	}
	if !report.Filtered {
		t.Error("expected honeypot risk to be filtered by default (allowHoneypot unset)")
	}
}

func TestSecurityClient_Analyze_AllowHoneypotOverride(t *testing.T) {
	srv := httptest.NewServer(mockSecurity(false, false, true, 2, "10"))
	defer srv.Close()

	limiter := newTestLimiter("security")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewSecurityClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{AllowHoneypot: boolPtr(true)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filtered {
		t.Error("expected allowHoneypot=true to bypass the honeypot filter")
	}
}

func TestSecurityClient_Analyze_SourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	limiter := newTestLimiter("security")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewSecurityClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Filtered || report.FilterReason != "source unavailable" {
		t.Errorf("expected filtered source-unavailable sentinel, got %+v", report)
	}
}
