package admission

import (
	"strings"
	"testing"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
)

func TestClientOrderID(t *testing.T) {
	order := &domain.NormalizedOrder{
		Symbol:    "BTCUSDT",
		Side:      domain.SideBuy,
		OrderType: domain.OrderTypeLimit,
		Quantity:  "0.002",
		Price:     "50000.1",
	}

	id := ClientOrderID(order, "2025-06-02")
	if id != ClientOrderID(order, "2025-06-02") {
		t.Error("same order content produced different ids")
	}
	if !strings.HasPrefix(id, "rg-") {
		t.Errorf("id = %s, want rg- prefix", id)
	}
	if len(id) > 36 {
		t.Errorf("id length = %d, exceeds Bybit orderLinkId limit of 36", len(id))
	}

	// Тот же сигнал в другой торговый день — новый ордер
	if id == ClientOrderID(order, "2025-06-03") {
		t.Error("id did not change with trading date")
	}

	changed := *order
	changed.Price = "50000.2"
	if id == ClientOrderID(&changed, "2025-06-02") {
		t.Error("id did not change with price")
	}

	changed = *order
	changed.Quantity = "0.003"
	if id == ClientOrderID(&changed, "2025-06-02") {
		t.Error("id did not change with quantity")
	}
}

func TestActionID(t *testing.T) {
	createdAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	action := &Action{
		Source:      "momentum-v2",
		Symbol:      "BTCUSDT",
		Side:        domain.SideBuy,
		OrderType:   domain.OrderTypeMarket,
		QuoteAmount: 100,
		CreatedAt:   createdAt,
	}

	id := actionID(action)
	if id != actionID(action) {
		t.Error("same action produced different ids")
	}
	if len(id) != 16 {
		t.Errorf("id length = %d, want 16 hex chars", len(id))
	}

	later := *action
	later.CreatedAt = createdAt.Add(time.Second)
	if id == actionID(&later) {
		t.Error("id did not change with creation time")
	}
}
