package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position представляет открытую или закрытую позицию
type Position struct {
	ID          int64      `db:"id"`
	Symbol      string     `db:"symbol"`
	Side        string     `db:"side"` // "BUY" or "SELL"
	Quantity    float64    `db:"quantity"`
	EntryPrice  float64    `db:"entry_price"`
	OpenedAt    time.Time  `db:"opened_at"`
	ClosedAt    *time.Time `db:"closed_at"`
	ExitPrice   *float64   `db:"exit_price"`
	RealizedPnL *float64   `db:"realized_pnl"`
}

// IsOpen проверяет открыта ли позиция
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// DailyRiskState представляет дневное состояние риска (одна запись на торговый день)
type DailyRiskState struct {
	TradingDate      string     `db:"trading_date"` // "2006-01-02"
	RealizedPnL      float64    `db:"realized_pnl"`
	KillSwitchActive bool       `db:"kill_switch_active"`
	KillSwitchReason string     `db:"kill_switch_reason"`
	KillSwitchAt     *time.Time `db:"kill_switch_at"`
	CoolDownUntil    *time.Time `db:"cool_down_until"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// SymbolFilters представляет торговые правила биржи для символа
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal // минимальный шаг цены
	QtyStep     decimal.Decimal // минимальный шаг количества
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal // минимальная сумма ордера в quote-валюте
	FetchedAt   time.Time
}

// RiskSnapshot фиксирует состояние риска на момент решения (для audit trail)
type RiskSnapshot struct {
	TradingDate        string     `json:"trading_date"`
	RealizedPnL        float64    `json:"realized_pnl"`
	MaxDailyLoss       float64    `json:"max_daily_loss"`
	LossUtilizationPct float64    `json:"loss_utilization_pct"`
	KillSwitchActive   bool       `json:"kill_switch_active"`
	KillSwitchReason   string     `json:"kill_switch_reason,omitempty"`
	CoolDownUntil      *time.Time `json:"cool_down_until,omitempty"`
	// OpenPositions равен -1, если ledger на этом гейте не читался
	OpenPositions int `json:"open_positions"`
}

// NormalizedOrder представляет ордер, приведенный к торговым правилам биржи.
// Количество и цена уже отформатированы под шаг символа.
type NormalizedOrder struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"` // пусто для рыночных ордеров
	Notional      string `json:"notional"`
	ClientOrderID string `json:"client_order_id"`
}

// AuditRecord представляет одну запись audit trail. Запись неизменяема после записи.
type AuditRecord struct {
	Timestamp  time.Time        `json:"timestamp"`
	Kind       string           `json:"kind"` // "DECISION" or "RISK_TRANSITION"
	ActionID   string           `json:"action_id,omitempty"`
	Source     string           `json:"source,omitempty"`
	Symbol     string           `json:"symbol,omitempty"`
	Side       string           `json:"side,omitempty"`
	Decision   string           `json:"decision,omitempty"` // "ACCEPTED" or "REJECTED"
	Gate       string           `json:"gate,omitempty"`     // гейт, на котором отклонено
	Reason     string           `json:"reason,omitempty"`
	Transition string           `json:"transition,omitempty"` // для RISK_TRANSITION
	Detail     string           `json:"detail,omitempty"`
	Risk       RiskSnapshot     `json:"risk"`
	Order      *NormalizedOrder `json:"order,omitempty"`
}

// OrderInfo результат размещения ордера на бирже
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Quantity      string
	Status        string
	CreatedAt     time.Time
}

// AccountBalance представляет баланс аккаунта в quote-валюте
type AccountBalance struct {
	Coin      string
	Total     float64
	Available float64
}
