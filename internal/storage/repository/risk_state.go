package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
)

// RiskStateRepository реализует хранение дневного состояния риска
type RiskStateRepository struct {
	db *sql.DB
}

// NewRiskStateRepository создает новый репозиторий состояния риска
func NewRiskStateRepository(db *sql.DB) *RiskStateRepository {
	return &RiskStateRepository{db: db}
}

// Get получает состояние риска на торговый день
func (r *RiskStateRepository) Get(ctx context.Context, tradingDate string) (*domain.DailyRiskState, error) {
	query := `
		SELECT trading_date, realized_pnl, kill_switch_active, kill_switch_reason,
		       kill_switch_at, cool_down_until, updated_at
		FROM daily_risk_state
		WHERE trading_date = $1
	`
	state := &domain.DailyRiskState{}
	var killSwitchAt, coolDownUntil sql.NullTime

	err := r.db.QueryRowContext(ctx, query, tradingDate).Scan(
		&state.TradingDate,
		&state.RealizedPnL,
		&state.KillSwitchActive,
		&state.KillSwitchReason,
		&killSwitchAt,
		&coolDownUntil,
		&state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	if killSwitchAt.Valid {
		state.KillSwitchAt = &killSwitchAt.Time
	}
	if coolDownUntil.Valid {
		state.CoolDownUntil = &coolDownUntil.Time
	}

	return state, nil
}

// GetLatest получает состояние риска за последний торговый день с записью.
// Используется при старте для переноса kill switch через границу дня.
func (r *RiskStateRepository) GetLatest(ctx context.Context) (*domain.DailyRiskState, error) {
	var tradingDate string
	err := r.db.QueryRowContext(ctx,
		`SELECT trading_date FROM daily_risk_state ORDER BY trading_date DESC LIMIT 1`,
	).Scan(&tradingDate)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return r.Get(ctx, tradingDate)
}

// Upsert атомарно сохраняет состояние риска (одна строка на торговый день)
func (r *RiskStateRepository) Upsert(ctx context.Context, state *domain.DailyRiskState) error {
	state.UpdatedAt = time.Now()

	query := `
		INSERT INTO daily_risk_state
			(trading_date, realized_pnl, kill_switch_active, kill_switch_reason,
			 kill_switch_at, cool_down_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trading_date) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			kill_switch_active = EXCLUDED.kill_switch_active,
			kill_switch_reason = EXCLUDED.kill_switch_reason,
			kill_switch_at = EXCLUDED.kill_switch_at,
			cool_down_until = EXCLUDED.cool_down_until,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		state.TradingDate,
		state.RealizedPnL,
		state.KillSwitchActive,
		state.KillSwitchReason,
		nullTime(state.KillSwitchAt),
		nullTime(state.CoolDownUntil),
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
