// Package postgres implements the C8 Persistence Port against Postgres,
// grounded on internal/repository/market_repo.go's *sqlx.DB-backed
// repository shape and internal/service/resolution_service.go's
// BeginTxx/Commit/Rollback settlement-transaction pattern: one transaction
// per top-level operation, ordered ExecContext calls, "log and continue"
// across a batch instead of aborting the whole batch on one failure.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tokensentry/sentinel/internal/domain"
)

// Store is the Postgres-backed repository.TokenStore implementation.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// New wraps an already-connected *sqlx.DB.
func New(db *sqlx.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// PersistAnalyses writes each passed analysis as its own transaction:
// upsert token, append price snapshot, append safety snapshot. One
// analysis's failure is logged and skipped; it never aborts the batch.
func (s *Store) PersistAnalyses(ctx context.Context, analyses []domain.CombinedAnalysis) error {
	for _, a := range analyses {
		if err := s.persistOne(ctx, a); err != nil {
			s.log.Error("postgres: persist analysis failed, continuing with the rest of the batch",
				"address", a.Address, "err", err)
		}
	}
	return nil
}

func (s *Store) persistOne(ctx context.Context, a domain.CombinedAnalysis) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres.persistOne: begin tx: %w", err)
	}
	var txErr error
	defer func() {
		if txErr != nil {
			_ = tx.Rollback()
		}
	}()

	const upsertToken = `
		INSERT INTO tokens (address, symbol, name, price, market_cap, volume_24h, liquidity, age_hours, overall_score, passed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (address) DO UPDATE SET
			symbol = EXCLUDED.symbol, name = EXCLUDED.name, price = EXCLUDED.price,
			market_cap = EXCLUDED.market_cap, volume_24h = EXCLUDED.volume_24h,
			liquidity = EXCLUDED.liquidity, age_hours = EXCLUDED.age_hours,
			overall_score = EXCLUDED.overall_score, passed = EXCLUDED.passed, updated_at = now()`
	if _, txErr = tx.ExecContext(ctx, upsertToken,
		a.Address.Canonical(), a.Market.Symbol, a.Market.Name, a.Market.Price, a.Market.MarketCap,
		a.Market.Volume24h, a.Market.Liquidity, a.Market.AgeHours, a.OverallScore, a.Passed); txErr != nil {
		return fmt.Errorf("postgres.persistOne: upsert token: %w", txErr)
	}

	const insertPriceSnapshot = `
		INSERT INTO price_snapshots (id, token_address, price, market_cap, volume_24h, liquidity, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	if _, txErr = tx.ExecContext(ctx, insertPriceSnapshot,
		uuid.NewString(), a.Address.Canonical(), a.Market.Price, a.Market.MarketCap, a.Market.Volume24h, a.Market.Liquidity); txErr != nil {
		return fmt.Errorf("postgres.persistOne: insert price snapshot: %w", txErr)
	}

	const insertSafetySnapshot = `
		INSERT INTO safety_snapshots (id, token_address, safety_score, honeypot_risk, holder_concentration, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	if _, txErr = tx.ExecContext(ctx, insertSafetySnapshot,
		uuid.NewString(), a.Address.Canonical(), a.Security.SafetyScore, a.Security.HoneypotRisk, a.Security.HolderConcentration); txErr != nil {
		return fmt.Errorf("postgres.persistOne: insert safety snapshot: %w", txErr)
	}

	if txErr = tx.Commit(); txErr != nil {
		return fmt.Errorf("postgres.persistOne: commit: %w", txErr)
	}
	return nil
}

// RecordRun upserts a Run record, called once when the run starts and again
// when it finishes, mirroring market_repo.go's Create/Resolve split.
func (s *Store) RecordRun(ctx context.Context, run domain.Run) error {
	errsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("postgres.RecordRun: marshal errors: %w", err)
	}

	const upsertRun = `
		INSERT INTO runs (id, start_time, end_time, discovered, processed, passed, status, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time, discovered = EXCLUDED.discovered,
			processed = EXCLUDED.processed, passed = EXCLUDED.passed,
			status = EXCLUDED.status, errors = EXCLUDED.errors`
	if _, err := s.db.ExecContext(ctx, upsertRun,
		run.ID, run.StartTime, run.EndTime, run.Discovered, run.Processed, run.Passed, run.Status, errsJSON); err != nil {
		return fmt.Errorf("postgres.RecordRun: %w", err)
	}
	return nil
}
