// Package repository defines the C8 Persistence Port: the contract the
// aggregator depends on to durably record pipeline results, independent of
// the concrete store. internal/store/postgres provides the sqlx/lib/pq
// implementation.
package repository

import (
	"context"

	"github.com/tokensentry/sentinel/internal/domain"
)

// TokenStore is the C8 persistence contract. PersistAnalyses executes one
// transaction per CombinedAnalysis: upsert token, append price snapshot,
// append safety-score snapshot. A single analysis's failure does not
// prevent the rest of the batch from persisting — implementations log and
// continue, per §4.8.
type TokenStore interface {
	PersistAnalyses(ctx context.Context, analyses []domain.CombinedAnalysis) error
	RecordRun(ctx context.Context, run domain.Run) error
}
