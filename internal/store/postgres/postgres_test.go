package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/store/postgres"
)

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return postgres.New(sqlxDB, nil), mock, func() { db.Close() }
}

func sampleAnalysis() domain.CombinedAnalysis {
	return domain.CombinedAnalysis{
		Address: "0xABC",
		Market: domain.MarketSnapshot{
			Symbol: "FOO", Name: "Foo Token", Price: decimal.NewFromInt(1),
			MarketCap: decimal.NewFromInt(100000), Volume24h: decimal.NewFromInt(20000),
			Liquidity: decimal.NewFromInt(25000), AgeHours: 6,
		},
		Security: domain.SecurityReport{
			SafetyScore: decimal.NewFromInt(9), HoneypotRisk: false, HolderConcentration: decimal.NewFromInt(30),
		},
		OverallScore: decimal.NewFromInt(88),
		Passed:       true,
		Timestamp:    time.Now(),
	}
}

func TestPersistAnalyses_HappyPath(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO price_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO safety_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.PersistAnalyses(context.Background(), []domain.CombinedAnalysis{sampleAnalysis()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPersistAnalyses_OneFailureDoesNotAbortBatch(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	// First analysis: token upsert fails mid-transaction.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tokens").WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	// Second analysis: succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO price_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO safety_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a1 := sampleAnalysis()
	a1.Address = "0xBAD"
	a2 := sampleAnalysis()
	a2.Address = "0xGOOD"

	err := store.PersistAnalyses(context.Background(), []domain.CombinedAnalysis{a1, a2})
	if err != nil {
		t.Fatalf("PersistAnalyses itself should not return an error for a single-item failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRecordRun(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))

	run := domain.Run{
		ID: "run-1", StartTime: time.Now(), Discovered: 10, Processed: 10, Passed: 3,
		Status: domain.RunStatusCompleted,
	}
	if err := store.RecordRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
