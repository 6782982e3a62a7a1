package filters

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kirillm/risk-gate/internal/domain"
)

func btcFilters() *domain.SymbolFilters {
	return &domain.SymbolFilters{
		Symbol:      "BTCUSDT",
		TickSize:    decimal.RequireFromString("0.1"),
		QtyStep:     decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		draft   OrderDraft
		wantQty string
		wantPx  string
		wantErr error
	}{
		{
			name: "market qty snapped down to step",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket,
				Quantity: 0.0015999, RefPrice: 50000,
			},
			wantQty: "0.001",
		},
		{
			name: "limit price snapped to nearest tick",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
				Quantity: 0.002, LimitPrice: 50000.16,
			},
			wantQty: "0.002",
			wantPx:  "50000.2",
		},
		{
			name: "limit price snapped down when closer",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideSell, OrderType: domain.OrderTypeLimit,
				Quantity: 0.002, LimitPrice: 50000.14,
			},
			wantQty: "0.002",
			wantPx:  "50000.1",
		},
		{
			name: "qty below minimum after snapping",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket,
				Quantity: 0.0009, RefPrice: 50000,
			},
			wantErr: domain.ErrMinNotional,
		},
		{
			name: "notional below minimum",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
				Quantity: 0.001, LimitPrice: 3000,
			},
			wantErr: domain.ErrMinNotional,
		},
		{
			name: "limit order without price",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
				Quantity: 0.002,
			},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name: "market order without reference price",
			draft: OrderDraft{
				Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket,
				Quantity: 0.002,
			},
			wantErr: domain.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Normalize(tt.draft, btcFilters())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if order.Quantity != tt.wantQty {
				t.Errorf("quantity = %s, want %s", order.Quantity, tt.wantQty)
			}
			if tt.wantPx != "" && order.Price != tt.wantPx {
				t.Errorf("price = %s, want %s", order.Price, tt.wantPx)
			}
		})
	}
}

func TestNormalize_MarketOrderHasNoPrice(t *testing.T) {
	order, err := Normalize(OrderDraft{
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket,
		Quantity: 0.002, RefPrice: 50000,
	}, btcFilters())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if order.Price != "" {
		t.Errorf("market order price = %q, want empty", order.Price)
	}
	if order.Notional != "100.00000000" {
		t.Errorf("notional = %s, want 100.00000000", order.Notional)
	}
}
