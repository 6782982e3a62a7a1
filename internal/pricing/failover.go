package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kirillm/risk-gate/pkg/utils"
)

// ErrPriceUnavailable возвращается когда цену не дал ни один источник
var ErrPriceUnavailable = errors.New("unable to get price from any source")

// cacheValidity ограничивает возраст закешированной цены
const cacheValidity = 5 * time.Minute

// Source источник референсных цен (market-data feed, тикер биржи)
type Source interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// SourceFunc адаптирует функцию к интерфейсу Source
type SourceFunc func(ctx context.Context, symbol string) (float64, error)

func (f SourceFunc) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// Failover отдает референсную цену: сначала основной фид, затем
// запасные источники, в крайнем случае недавний кеш. Цена используется
// только для расчета notional, не для генерации сигналов.
type Failover struct {
	primary   Source
	fallbacks []Source
	logger    *utils.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price     float64
	timestamp time.Time
}

// NewFailover создает failover поверх основного источника цен
func NewFailover(primary Source, logger *utils.Logger) *Failover {
	return &Failover{
		primary: primary,
		logger:  logger,
		cache:   make(map[string]cachedPrice),
	}
}

// AddFallback добавляет запасной источник цен
func (f *Failover) AddFallback(source Source) {
	f.fallbacks = append(f.fallbacks, source)
}

// GetPrice получает цену с failover
func (f *Failover) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := f.primary.GetPrice(ctx, symbol)
	if err == nil {
		f.store(symbol, price)
		return price, nil
	}

	for i, source := range f.fallbacks {
		price, err := source.GetPrice(ctx, symbol)
		if err == nil {
			f.logger.Warn("используем запасной источник цены #%d для %s", i+1, symbol)
			f.store(symbol, price)
			return price, nil
		}
	}

	// Все источники недоступны: отдаем недавний кеш если есть
	f.mu.Lock()
	cached, ok := f.cache[symbol]
	f.mu.Unlock()
	if ok {
		age := time.Since(cached.timestamp)
		if age < cacheValidity {
			f.logger.Warn("используем закешированную цену %s (возраст %v)", symbol, age.Round(time.Second))
			return cached.price, nil
		}
	}

	return 0, ErrPriceUnavailable
}

func (f *Failover) store(symbol string, price float64) {
	f.mu.Lock()
	f.cache[symbol] = cachedPrice{price: price, timestamp: time.Now()}
	f.mu.Unlock()
}
