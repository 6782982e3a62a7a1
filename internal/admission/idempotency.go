package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kirillm/risk-gate/internal/domain"
)

// ClientOrderID детерминированно вычисляет идентификатор ордера из
// нормализованного содержимого: повторенный или задублированный сигнал
// дает тот же идентификатор, и биржа его отсекает по orderLinkId.
// Торговый день входит в хэш, чтобы одинаковый сигнал завтра был
// новым ордером. Лимит Bybit на orderLinkId — 36 символов.
func ClientOrderID(order *domain.NormalizedOrder, tradingDate string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		order.Symbol, order.Side, order.OrderType, order.Quantity, order.Price, tradingDate)
	sum := sha256.Sum256([]byte(payload))
	return "rg-" + hex.EncodeToString(sum[:16])
}

// actionID вычисляет идентификатор действия для audit trail, когда
// источник его не задал
func actionID(a *Action) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%v|%v|%d",
		a.Source, a.Symbol, a.Side, a.OrderType, a.QuoteAmount, a.Quantity, a.CreatedAt.UnixNano())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}
