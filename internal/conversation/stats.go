package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
	"chat-memory/internal/repository"
)

// StatsAggregator reports document counts for operational visibility. The
// all-tenant variant scans every partition and is slow by nature.
type StatsAggregator struct {
	store  repository.Store
	logger zerolog.Logger
}

func NewStatsAggregator(store repository.Store, logger zerolog.Logger) (*StatsAggregator, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	return &StatsAggregator{store: store, logger: logger}, nil
}

// Totals aggregates every partition.
func (s *StatsAggregator) Totals(ctx context.Context) (domain.Stats, error) {
	started := now()
	st, err := s.store.Stats(ctx, "")
	if err != nil {
		return domain.Stats{}, fmt.Errorf("conversation: stats: %w", err)
	}
	s.logger.Debug().Dur("took", now().Sub(started)).Int("tenants", st.Tenants).Msg("cross-partition stats computed")
	return st, nil
}

// Tenant aggregates a single partition.
func (s *StatsAggregator) Tenant(ctx context.Context, tenantID string) (domain.Stats, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return domain.Stats{}, err
	}
	st, err := s.store.Stats(ctx, tenantID)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("conversation: tenant stats: %w", err)
	}
	return st, nil
}
