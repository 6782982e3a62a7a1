package domain

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "Market"
	OrderTypeLimit  = "Limit"
)

// Order statuses
const (
	StatusPlaced    = "PLACED"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
)

// Admission decisions
const (
	DecisionAccepted = "ACCEPTED"
	DecisionRejected = "REJECTED"
)

// Audit record kinds
const (
	AuditKindDecision   = "DECISION"
	AuditKindTransition = "RISK_TRANSITION"
)

// Risk state transitions (для audit trail)
const (
	TransitionKillSwitchOn  = "KILL_SWITCH_ON"
	TransitionKillSwitchOff = "KILL_SWITCH_OFF"
	TransitionCoolDownOn    = "COOL_DOWN_ON"
	TransitionCoolDownOff   = "COOL_DOWN_OFF"
	TransitionDailyReset    = "DAILY_RESET"
	TransitionBreaker       = "BREAKER_STATE"
)

// Admission gates (имена для audit trail и метрик)
const (
	GateSourceWhitelist = "source_whitelist"
	GateStaleness       = "staleness"
	GateConfidence      = "confidence"
	GateBreaker         = "circuit_breaker"
	GateRiskPolicy      = "risk_policy"
	GateNormalization   = "normalization"
	GateSubmission      = "submission"
)

// Circuit breaker states
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// Имена зарегистрированных circuit breakers
const (
	BreakerExchange = "exchange"
)

// Формат торгового дня
const TradingDateLayout = "2006-01-02"

// Bybit constants
const (
	BybitCategorySpot   = "spot"
	BybitAccountUnified = "UNIFIED"
	BybitRecvWindow     = "5000"
)
