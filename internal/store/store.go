// Package store is the persistence layer for portfolio configuration and
// the rebalance audit trail.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/folioworks/rebalancer/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrPortfolioNotFound = errors.New("portfolio not found")

const (
	_queryPortfolio = `SELECT id, user_id, rebalance_enabled, rebalance_interval,
						threshold_enabled, threshold_percent, rebalance_threshold,
						check_frequency, scheduler_enabled, order_type,
						smart_routing_enabled, max_orders_per_rebalance,
						last_rebalanced_at, next_rebalance_at, total_fees_paid
					FROM portfolios WHERE id = $1`
	_querySchedulable = `SELECT id, user_id, rebalance_enabled, rebalance_interval,
						threshold_enabled, threshold_percent, rebalance_threshold,
						check_frequency, scheduler_enabled, order_type,
						smart_routing_enabled, max_orders_per_rebalance,
						last_rebalanced_at, next_rebalance_at, total_fees_paid
					FROM portfolios
					WHERE scheduler_enabled AND (rebalance_enabled OR threshold_enabled)`
	_queryWeights = "SELECT symbol, percent FROM portfolio_weights WHERE portfolio_id = $1"
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetPortfolio(ctx context.Context, id int64) (model.Portfolio, error) {
	var p model.Portfolio
	if err := s.db.GetContext(ctx, &p, _queryPortfolio, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("%w: id %d", ErrPortfolioNotFound, id)
		}
		return p, fmt.Errorf("%w: can't query portfolio", err)
	}

	weights, err := s.weights(ctx, id)
	if err != nil {
		return p, err
	}
	p.TargetWeights = weights
	return p, nil
}

// ListSchedulable returns every portfolio the scheduler should own a task
// for, with target weights attached.
func (s *Store) ListSchedulable(ctx context.Context) ([]model.Portfolio, error) {
	var portfolios []model.Portfolio
	if err := s.db.SelectContext(ctx, &portfolios, _querySchedulable); err != nil {
		return nil, fmt.Errorf("%w: can't query schedulable portfolios", err)
	}

	for i := range portfolios {
		weights, err := s.weights(ctx, portfolios[i].ID)
		if err != nil {
			return nil, err
		}
		portfolios[i].TargetWeights = weights
	}
	return portfolios, nil
}

func (s *Store) weights(ctx context.Context, portfolioID int64) (map[string]float64, error) {
	var rows []struct {
		Symbol  string  `db:"symbol"`
		Percent float64 `db:"percent"`
	}
	if err := s.db.SelectContext(ctx, &rows, _queryWeights, portfolioID); err != nil {
		return nil, fmt.Errorf("%w: can't query target weights", err)
	}

	weights := make(map[string]float64, len(rows))
	for _, r := range rows {
		weights[r.Symbol] = r.Percent
	}
	return weights, nil
}

const (
	_updateTimes = `UPDATE portfolios
					SET last_rebalanced_at = $1, next_rebalance_at = $2
					WHERE id = $3`
	_updateFees = "UPDATE portfolios SET total_fees_paid = total_fees_paid + $1 WHERE id = $2"

	_insertHistory = `INSERT INTO rebalance_history (
						portfolio_id, trigger_source, success,
						orders_planned, orders_done, orders_failed,
						value_traded, fees_paid, error_text, duration_ms, created_at
					) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
)

func (s *Store) UpdateRebalanceTimes(ctx context.Context, id int64, last time.Time, next *time.Time) error {
	if _, err := s.db.ExecContext(ctx, _updateTimes, last, next, id); err != nil {
		return fmt.Errorf("%w: can't update rebalance times", err)
	}
	return nil
}

func (s *Store) AddFeesPaid(ctx context.Context, id int64, fees float64) error {
	if fees <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, _updateFees, fees, id); err != nil {
		return fmt.Errorf("%w: can't update fees paid", err)
	}
	return nil
}

// AppendHistory writes the immutable per-cycle audit record.
func (s *Store) AppendHistory(ctx context.Context, rec model.RebalanceHistoryRecord) error {
	if _, err := s.db.ExecContext(ctx, _insertHistory,
		rec.PortfolioID,
		rec.Trigger,
		rec.Success,
		rec.OrdersPlanned,
		rec.OrdersDone,
		rec.OrdersFailed,
		rec.ValueTraded,
		rec.FeesPaid,
		rec.ErrorText,
		rec.Duration.Milliseconds(),
		rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("%w: can't append rebalance history", err)
	}
	return nil
}
