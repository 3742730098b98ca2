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

func mockChain(ruggedTokens int, holders []map[string]string, fundingPattern string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"creatorWallet": "0xCREATOR",
			"creatorInfo": map[string]interface{}{
				"createdTokens":    10,
				"ruggedTokens":     ruggedTokens,
				"successfulTokens": 5,
				"firstTokenDate":   time.Now().Add(-1000 * time.Hour).Unix(),
				"averageHolding":   "2.5",
			},
			"topHolders":     holders,
			"fundingPattern": fundingPattern,
		})
	})
}

func TestChainClient_Analyze_TopHoldersPercentageComputed(t *testing.T) {
	holders := []map[string]string{
		{"address": "0x1", "percentage": "20"},
		{"address": "0x2", "percentage": "15"},
		{"address": "0x3", "percentage": "10"},
		{"address": "0x4", "percentage": "5"},
	}
	srv := httptest.NewServer(mockChain(0, holders, "organic"))
	defer srv.Close()

	limiter := newTestLimiter("chain")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewChainClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// top 3 = 20+15+10=45, total=50 => 90%
	want := "90"
	if report.TopHoldersPercentage.String() != want {
		t.Errorf("expected topHoldersPercentage %s, got %s", want, report.TopHoldersPercentage.String())
	}
}

func TestChainClient_Analyze_EmptyHolderListYields100Percent(t *testing.T) {
	srv := httptest.NewServer(mockChain(0, nil, "organic"))
	defer srv.Close()

	limiter := newTestLimiter("chain")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewChainClient(srv.URL, time.Second, limiter, c)
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.TopHoldersPercentage.Equal(report.TopHoldersPercentage) {
		t.Fatal("sanity")
	}
	want := "100"
	if report.TopHoldersPercentage.String() != want {
		t.Errorf("expected empty holder list to yield 100%%, got %s", report.TopHoldersPercentage.String())
	}
}

func TestChainClient_Analyze_RuggedTokensBoundary(t *testing.T) {
	srv := httptest.NewServer(mockChain(2, nil, "organic"))
	defer srv.Close()

	limiter := newTestLimiter("chain")
	c := cache.New(100, 0)
	defer c.Close()

	client := sources.NewChainClient(srv.URL, time.Second, limiter, c)

	two := 2
	report, err := client.Analyze(context.Background(), "0xABC", domain.FilterCriteria{MaxCreatorRugs: &two})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filtered {
		t.Error("expected ruggedTokens == maxCreatorRugs to be accepted (inclusive bound)")
	}

	one := 1
	report2, err := client.Analyze(context.Background(), "0xDEF", domain.FilterCriteria{MaxCreatorRugs: &one})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report2.Filtered {
		t.Error("expected ruggedTokens > maxCreatorRugs to be rejected")
	}
}
