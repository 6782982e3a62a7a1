package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/lib/pq"
)

// PositionRepository реализует хранение позиций в PostgreSQL
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый репозиторий позиций
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Open сохраняет новую открытую позицию. Частичный уникальный индекс
// по открытому символу не допускает дублирование на уровне БД.
func (r *PositionRepository) Open(ctx context.Context, position *domain.Position) (int64, error) {
	if position.OpenedAt.IsZero() {
		position.OpenedAt = time.Now()
	}

	query := `
		INSERT INTO positions (symbol, side, quantity, entry_price, opened_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		query,
		position.Symbol,
		position.Side,
		position.Quantity,
		position.EntryPrice,
		position.OpenedAt,
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, domain.ErrDuplicatePosition
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	position.ID = id
	return id, nil
}

// Close закрывает позицию по ID с фиксацией realized P&L
func (r *PositionRepository) Close(ctx context.Context, id int64, exitPrice, realizedPnL float64) error {
	query := `
		UPDATE positions
		SET closed_at = $1, exit_price = $2, realized_pnl = $3
		WHERE id = $4 AND closed_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, time.Now(), exitPrice, realizedPnL, id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Get получает позицию по ID
func (r *PositionRepository) Get(ctx context.Context, id int64) (*domain.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, opened_at, closed_at, exit_price, realized_pnl
		FROM positions
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetOpenBySymbol получает открытую позицию по символу
func (r *PositionRepository) GetOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, opened_at, closed_at, exit_price, realized_pnl
		FROM positions
		WHERE symbol = $1 AND closed_at IS NULL
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, symbol))
}

// CountOpen возвращает количество открытых позиций
func (r *PositionRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE closed_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return count, nil
}

// GetOpen возвращает все открытые позиции
func (r *PositionRepository) GetOpen(ctx context.Context) ([]domain.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, opened_at, closed_at, exit_price, realized_pnl
		FROM positions
		WHERE closed_at IS NULL
		ORDER BY opened_at
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}

	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PositionRepository) scanOne(row *sql.Row) (*domain.Position, error) {
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return p, err
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var closedAt sql.NullTime
	var exitPrice, realizedPnL sql.NullFloat64

	err := row.Scan(
		&p.ID,
		&p.Symbol,
		&p.Side,
		&p.Quantity,
		&p.EntryPrice,
		&p.OpenedAt,
		&closedAt,
		&exitPrice,
		&realizedPnL,
	)
	if err != nil {
		return nil, err
	}

	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	if exitPrice.Valid {
		p.ExitPrice = &exitPrice.Float64
	}
	if realizedPnL.Valid {
		p.RealizedPnL = &realizedPnL.Float64
	}

	return &p, nil
}
