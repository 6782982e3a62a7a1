package filters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/pkg/utils"
)

// DefaultTTL ограничивает окно устаревания торговых правил
const DefaultTTL = time.Hour

// Fetcher запрашивает торговые правила у биржи. Подается уже обернутым
// в circuit breaker.
type Fetcher func(ctx context.Context, symbol string) (*domain.SymbolFilters, error)

// Cache кэширует торговые правила по символу с TTL. Правила меняются
// редко, поэтому при неудачном обновлении протухшая запись отдается
// с предупреждением вместо отказа.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	fetch   Fetcher
	entries map[string]*domain.SymbolFilters
	logger  *utils.Logger

	now func() time.Time
}

// NewCache создает кэш торговых правил
func NewCache(ttl time.Duration, fetch Fetcher, logger *utils.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		fetch:   fetch,
		entries: make(map[string]*domain.SymbolFilters),
		logger:  logger,
		now:     time.Now,
	}
}

// Get возвращает правила символа, при необходимости синхронно обновляя их
func (c *Cache) Get(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	c.mu.Lock()
	cached, ok := c.entries[symbol]
	now := c.now()
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	// Запись отсутствует или протухла: забираем свежую без удержания мьютекса
	fresh, err := c.fetch(ctx, symbol)
	if err != nil {
		if ok {
			// Протухшая запись лучше отказа: правила меняются редко
			c.logger.Warn("не удалось обновить торговые правила %s, используем запись от %s: %v",
				symbol, cached.FetchedAt.Format(time.RFC3339), err)
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch symbol filters for %s: %w", symbol, err)
	}

	c.mu.Lock()
	c.entries[symbol] = fresh
	c.mu.Unlock()
	return fresh, nil
}

// Invalidate сбрасывает запись по символу
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}

// InvalidateAll сбрасывает весь кэш
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*domain.SymbolFilters)
}

// Stats возвращает размер кэша и возраст записей
func (c *Cache) Stats() (int, map[string]time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ages := make(map[string]time.Duration, len(c.entries))
	now := c.now()
	for symbol, entry := range c.entries {
		ages[symbol] = now.Sub(entry.FetchedAt).Round(time.Second)
	}
	return len(c.entries), ages
}
