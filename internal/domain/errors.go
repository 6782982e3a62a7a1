package domain

import "errors"

var (
	// ErrNotFound возвращается когда запись не найдена
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput возвращается при некорректных входных данных
	ErrInvalidInput = errors.New("invalid input")

	// ErrKillSwitchActive возвращается когда активирован kill switch
	ErrKillSwitchActive = errors.New("kill switch is active")

	// ErrCoolDownActive возвращается когда действует cool-down после убытка
	ErrCoolDownActive = errors.New("cool-down is active")

	// ErrPositionCap возвращается при достижении лимита открытых позиций
	ErrPositionCap = errors.New("position cap reached")

	// ErrDuplicatePosition возвращается когда по символу уже есть открытая позиция
	ErrDuplicatePosition = errors.New("position already open for symbol")

	// ErrRiskLimitExceeded возвращается при превышении лимитов риска
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrBreakerOpen возвращается когда circuit breaker разомкнут
	ErrBreakerOpen = errors.New("circuit open")

	// ErrStaleAction возвращается когда сигнал устарел (превышен TTL)
	ErrStaleAction = errors.New("action is stale")

	// ErrSourceNotAllowed возвращается для источников вне whitelist
	ErrSourceNotAllowed = errors.New("source not in whitelist")

	// ErrLowConfidence возвращается когда confidence сигнала ниже порога
	ErrLowConfidence = errors.New("confidence below threshold")

	// ErrMinNotional возвращается когда ордер не проходит минимальную сумму биржи
	ErrMinNotional = errors.New("order below minimal notional")

	// ErrPersistence возвращается при невозможности надежно записать состояние.
	// Фатальная ошибка: admission останавливается целиком.
	ErrPersistence = errors.New("persistence failure")

	// ErrAdmissionHalted возвращается после фатальной ошибки persistence
	ErrAdmissionHalted = errors.New("admission halted after persistence failure")

	// ErrExchangeAPI возвращается при ошибке API биржи
	ErrExchangeAPI = errors.New("exchange API error")

	// ErrInstanceLocked возвращается когда другой экземпляр уже держит lock
	ErrInstanceLocked = errors.New("another instance is already running")
)
