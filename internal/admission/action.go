package admission

import (
	"fmt"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Action представляет предложенное торговое действие от внешнего
// источника (стратегия, вероятностная политика, ручной ввод).
// Необязательные поля заданы явно с документированными умолчаниями,
// а не открытым словарем — гейты проверяются статически.
type Action struct {
	// ID действия. Пустой ID заполняется pipeline детерминированно
	// из содержимого.
	ID string

	// Source идентификатор источника сигнала, проверяется по whitelist
	Source string

	Symbol    string
	Side      string // domain.SideBuy / domain.SideSell
	OrderType string // domain.OrderTypeMarket / domain.OrderTypeLimit

	// QuoteAmount размер ордера в quote-валюте. Если 0, используется
	// Quantity в базовой валюте.
	QuoteAmount float64
	Quantity    float64

	// LimitPrice обязателен для лимитных ордеров
	LimitPrice float64

	// Confidence уверенность вероятностного источника в [0, 1].
	// nil для детерминированных стратегий: гейт confidence пропускает.
	Confidence *float64

	// CreatedAt момент генерации сигнала. Обязателен: от него
	// считается устаревание.
	CreatedAt time.Time

	// TTL время жизни сигнала. 0 означает умолчание pipeline.
	TTL time.Duration
}

// validate проверяет обязательные поля действия
func (a *Action) validate() error {
	if a.Source == "" {
		return fmt.Errorf("%w: empty source", domain.ErrInvalidInput)
	}
	if a.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", domain.ErrInvalidInput)
	}
	if a.Side != domain.SideBuy && a.Side != domain.SideSell {
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidInput, a.Side)
	}
	if a.OrderType != domain.OrderTypeMarket && a.OrderType != domain.OrderTypeLimit {
		return fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidInput, a.OrderType)
	}
	if a.QuoteAmount <= 0 && a.Quantity <= 0 {
		return fmt.Errorf("%w: neither quote amount nor quantity set", domain.ErrInvalidInput)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", domain.ErrInvalidInput)
	}
	if a.Confidence != nil && (*a.Confidence < 0 || *a.Confidence > 1) {
		return fmt.Errorf("%w: confidence %v out of [0, 1]", domain.ErrInvalidInput, *a.Confidence)
	}
	return nil
}

// Decision результат прохождения действия через pipeline
type Decision struct {
	ActionID  string
	Accepted  bool
	Gate      string // гейт, на котором отклонено
	Reason    string
	Duplicate bool // ордер уже существовал, повторная отправка подавлена
	Order     *domain.NormalizedOrder
	OrderInfo *domain.OrderInfo
	Risk      domain.RiskSnapshot
}
