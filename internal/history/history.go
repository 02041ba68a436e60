// Package history loads the per-user context the scoring layers read.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
)

// Amount statistics used when there is nothing to compute them from.
const (
	DefaultAmountMean   = 5000.0
	DefaultAmountStdDev = 2500.0
)

// Snapshot is a user's history as of one transaction.
type Snapshot struct {
	// History holds prior transactions, oldest first.
	History []*domain.Transaction

	// Last is the most recent prior transaction, nil for a new user.
	Last *domain.Transaction

	AmountStats domain.AmountStats
}

// Service loads history from the repository.
type Service struct {
	repo        domain.Repository
	globalStats bool
}

// NewService creates a history service. globalStats computes amount
// statistics over every stored transaction instead of the user's own.
func NewService(repo domain.Repository, globalStats bool) *Service {
	return &Service{
		repo:        repo,
		globalStats: globalStats,
	}
}

// Load returns userID's transactions created strictly before before.
func (s *Service) Load(ctx context.Context, userID string, before time.Time) (*Snapshot, error) {
	if userID == "" {
		return nil, errors.New("userID is required")
	}

	txs, err := s.repo.ListUserTransactions(ctx, userID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	scope := userID
	if s.globalStats {
		scope = ""
	}
	stats, err := s.repo.AmountStats(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to compute amount stats: %w", err)
	}
	if stats.Count == 0 {
		stats = domain.AmountStats{Mean: DefaultAmountMean, StdDev: DefaultAmountStdDev}
	}

	snap := &Snapshot{
		History:     txs,
		AmountStats: stats,
	}
	if len(txs) > 0 {
		snap.Last = txs[len(txs)-1]
	}
	return snap, nil
}

// DistanceFromLast is the great-circle distance in km from the most recent
// prior transaction to tx, or 0 when either lacks coordinates.
func (s *Snapshot) DistanceFromLast(tx *domain.Transaction) float64 {
	if s == nil || s.Last == nil || !s.Last.HasLocation() || !tx.HasLocation() {
		return 0
	}
	return geo.Haversine(*s.Last.Latitude, *s.Last.Longitude, *tx.Latitude, *tx.Longitude)
}
