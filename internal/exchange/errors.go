package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError представляет ошибку Bybit API с HTTP-статусом и retCode,
// чтобы circuit breaker мог отличить деградацию биржи от плохого запроса
type APIError struct {
	HTTPStatus int
	RetCode    int
	RetMsg     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error: http=%d retCode=%d: %s", e.HTTPStatus, e.RetCode, e.RetMsg)
}

// Bybit retCode для невалидных запросов (параметры, подпись, права).
// Это ошибки вызывающей стороны — breaker их не считает.
var callerRetCodes = map[int]bool{
	10001:  true, // params error
	10003:  true, // invalid api key
	10004:  true, // sign error
	10005:  true, // permission denied
	110001: true, // order not found
	170131: true, // insufficient balance
	170140: true, // order value below minimum
}

// IsDependencyFault сообщает, вызвана ли ошибка деградацией самой биржи:
// сетевые ошибки, таймауты и 5xx считаются, 4xx-класс — нет.
func IsDependencyFault(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == 429 {
			return true
		}
		if apiErr.HTTPStatus >= 400 {
			return false
		}
		return !callerRetCodes[apiErr.RetCode]
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Неклассифицированная ошибка transport-уровня
	return true
}
