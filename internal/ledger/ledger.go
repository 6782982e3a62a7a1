package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Ledger ведет учет позиций. Все операции сериализуются одним мьютексом,
// поэтому CountOpen и HasOpen видят согласованный снимок: конкурентные
// admission-вызовы по одному символу не могут оба увидеть "позиции нет".
type Ledger struct {
	mu   sync.Mutex
	repo domain.PositionRepository
}

// New создает новый ledger поверх репозитория позиций
func New(repo domain.PositionRepository) *Ledger {
	return &Ledger{repo: repo}
}

// Open открывает позицию. Ошибка persistence означает, что позиция
// не зафиксирована — успех не рапортуется.
func (l *Ledger) Open(ctx context.Context, symbol, side string, quantity, entryPrice float64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position := &domain.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		OpenedAt:   time.Now(),
	}
	return l.repo.Open(ctx, position)
}

// CloseBySymbol закрывает открытую позицию по символу и возвращает realized P&L
func (l *Ledger) CloseBySymbol(ctx context.Context, symbol string, exitPrice float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, err := l.repo.GetOpenBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	pnl := realizedPnL(position, exitPrice)
	if err := l.repo.Close(ctx, position.ID, exitPrice, pnl); err != nil {
		return 0, err
	}

	return pnl, nil
}

// CountOpen возвращает количество открытых позиций под тем же мьютексом,
// что и Open/Close
func (l *Ledger) CountOpen(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.CountOpen(ctx)
}

// HasOpen проверяет есть ли открытая позиция по символу
func (l *Ledger) HasOpen(ctx context.Context, symbol string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasOpenLocked(ctx, symbol)
}

// Snapshot возвращает согласованную пару (count, hasOpen) одним захватом мьютекса
func (l *Ledger) Snapshot(ctx context.Context, symbol string) (count int, hasOpen bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err = l.repo.CountOpen(ctx)
	if err != nil {
		return 0, false, err
	}
	hasOpen, err = l.hasOpenLocked(ctx, symbol)
	if err != nil {
		return 0, false, err
	}
	return count, hasOpen, nil
}

// OpenPositions возвращает все открытые позиции
func (l *Ledger) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.GetOpen(ctx)
}

func (l *Ledger) hasOpenLocked(ctx context.Context, symbol string) (bool, error) {
	_, err := l.repo.GetOpenBySymbol(ctx, symbol)
	if err == domain.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// realizedPnL считает результат закрытия с учетом стороны позиции
func realizedPnL(p *domain.Position, exitPrice float64) float64 {
	diff := exitPrice - p.EntryPrice
	if p.Side == domain.SideSell {
		diff = -diff
	}
	return diff * p.Quantity
}
