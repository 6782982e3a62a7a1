package filters

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kirillm/risk-gate/internal/domain"
)

// OrderDraft представляет ордер до нормализации под правила биржи
type OrderDraft struct {
	Symbol     string
	Side       string
	OrderType  string
	Quantity   float64
	LimitPrice float64 // 0 для рыночных ордеров
	RefPrice   float64 // референсная цена для расчета notional
}

// Normalize приводит ордер к торговым правилам: количество округляется
// вниз до шага, цена — к ближайшему тику, затем проверяется минимальная
// сумма. Если после округления минимумы не выполняются — отказ.
func Normalize(draft OrderDraft, f *domain.SymbolFilters) (*domain.NormalizedOrder, error) {
	qty := snapDown(decimal.NewFromFloat(draft.Quantity), f.QtyStep)

	if qty.LessThan(f.MinQty) {
		return nil, fmt.Errorf("%w: quantity %s below minimum %s for %s",
			domain.ErrMinNotional, qty, f.MinQty, draft.Symbol)
	}

	var price decimal.Decimal
	priceStr := ""
	if draft.OrderType == domain.OrderTypeLimit {
		if draft.LimitPrice <= 0 {
			return nil, fmt.Errorf("%w: limit order without price", domain.ErrInvalidInput)
		}
		price = snapNearest(decimal.NewFromFloat(draft.LimitPrice), f.TickSize)
		priceStr = price.String()
	} else {
		if draft.RefPrice <= 0 {
			return nil, fmt.Errorf("%w: market order without reference price", domain.ErrInvalidInput)
		}
		price = decimal.NewFromFloat(draft.RefPrice)
	}

	notional := qty.Mul(price)
	if notional.LessThan(f.MinNotional) {
		return nil, fmt.Errorf("%w: notional %s below minimum %s for %s",
			domain.ErrMinNotional, notional.StringFixed(2), f.MinNotional, draft.Symbol)
	}

	return &domain.NormalizedOrder{
		Symbol:    draft.Symbol,
		Side:      draft.Side,
		OrderType: draft.OrderType,
		Quantity:  qty.String(),
		Price:     priceStr,
		Notional:  notional.StringFixed(8),
	}, nil
}

// snapDown округляет значение вниз до кратного шагу
func snapDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// snapNearest округляет значение к ближайшему кратному шагу
func snapNearest(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}
