package domain

import "context"

// PositionRepository определяет интерфейс для хранения позиций
type PositionRepository interface {
	Open(ctx context.Context, position *Position) (int64, error)
	Close(ctx context.Context, id int64, exitPrice, realizedPnL float64) error
	Get(ctx context.Context, id int64) (*Position, error)
	GetOpenBySymbol(ctx context.Context, symbol string) (*Position, error)
	CountOpen(ctx context.Context) (int, error)
	GetOpen(ctx context.Context) ([]Position, error)
}

// RiskStateRepository определяет интерфейс для хранения дневного состояния риска
type RiskStateRepository interface {
	Get(ctx context.Context, tradingDate string) (*DailyRiskState, error)
	GetLatest(ctx context.Context) (*DailyRiskState, error)
	Upsert(ctx context.Context, state *DailyRiskState) error
}
