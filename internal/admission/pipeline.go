package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillm/risk-gate/internal/breaker"
	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/internal/filters"
	"github.com/kirillm/risk-gate/internal/metrics"
	"github.com/kirillm/risk-gate/internal/policy"
	"github.com/kirillm/risk-gate/pkg/utils"
)

// ExecutionClient подмножество API биржи, нужное pipeline
type ExecutionClient interface {
	OrderExists(ctx context.Context, symbol, clientOrderID string) (bool, error)
	SubmitOrder(ctx context.Context, order *domain.NormalizedOrder) (*domain.OrderInfo, error)
}

// RiskValidator контракт risk policy engine
type RiskValidator interface {
	Validate(ctx context.Context, trade policy.ProposedTrade) (*policy.ValidationResult, error)
	RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) error
	Snapshot(ctx context.Context, openPositions int) (domain.RiskSnapshot, error)
}

// PositionBook контракт position ledger
type PositionBook interface {
	Open(ctx context.Context, symbol, side string, quantity, entryPrice float64) (int64, error)
	CloseBySymbol(ctx context.Context, symbol string, exitPrice float64) (float64, error)
}

// FilterSource контракт filter cache
type FilterSource interface {
	Get(ctx context.Context, symbol string) (*domain.SymbolFilters, error)
}

// PriceSource источник референсной цены
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// AuditSink контракт audit trail
type AuditSink interface {
	Append(record *domain.AuditRecord) error
}

// Config настройки pipeline
type Config struct {
	AllowedSources []string
	MinConfidence  float64
	DefaultTTL     time.Duration
}

// Pipeline прогоняет действие через упорядоченные гейты и является
// единственным писателем audit trail: ровно одна запись на действие,
// до возврата управления вызывающему. Гейты возвращают структурный
// результат и сами в журнал не пишут.
type Pipeline struct {
	allowedSources map[string]bool
	minConfidence  float64
	defaultTTL     time.Duration

	breakers *breaker.Registry
	risk     RiskValidator
	book     PositionBook
	filters  FilterSource
	prices   PriceSource
	exec     ExecutionClient
	trail    AuditSink
	metrics  *metrics.Metrics
	logger   *utils.Logger

	// per-symbol мьютексы: проверка лимита позиций и открытие позиции
	// по одному символу идут в одной критической секции
	symbolLocks sync.Map

	// halted взводится при фатальной ошибке persistence: дальше
	// принимать действия без гарантированного журнала нельзя
	halted atomic.Bool

	now func() time.Time
}

// New создает admission pipeline
func New(
	cfg Config,
	breakers *breaker.Registry,
	risk RiskValidator,
	book PositionBook,
	filterCache FilterSource,
	prices PriceSource,
	exec ExecutionClient,
	trail AuditSink,
	m *metrics.Metrics,
	logger *utils.Logger,
) *Pipeline {
	allowed := make(map[string]bool, len(cfg.AllowedSources))
	for _, source := range cfg.AllowedSources {
		allowed[source] = true
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Pipeline{
		allowedSources: allowed,
		minConfidence:  cfg.MinConfidence,
		defaultTTL:     ttl,
		breakers:       breakers,
		risk:           risk,
		book:           book,
		filters:        filterCache,
		prices:         prices,
		exec:           exec,
		trail:          trail,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
	}
}

// Halted сообщает, остановлен ли pipeline после ошибки persistence
func (p *Pipeline) Halted() bool {
	return p.halted.Load()
}

// Admit прогоняет действие через гейты. Возвращает структурное решение;
// ошибка возвращается только при фатальном сбое persistence.
func (p *Pipeline) Admit(ctx context.Context, action *Action) (*Decision, error) {
	if p.halted.Load() {
		return nil, domain.ErrAdmissionHalted
	}

	if err := action.validate(); err != nil {
		return nil, err
	}
	if action.ID == "" {
		action.ID = actionID(action)
	}

	// Гейт 1: whitelist источников
	if !p.allowedSources[action.Source] {
		return p.reject(ctx, action, domain.GateSourceWhitelist,
			fmt.Sprintf("source %q not in whitelist", action.Source))
	}

	// Гейт 2: устаревание сигнала
	ttl := action.TTL
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	if age := p.now().Sub(action.CreatedAt); age > ttl {
		return p.reject(ctx, action, domain.GateStaleness,
			fmt.Sprintf("action is %s old, ttl %s", age.Round(time.Millisecond), ttl))
	}

	// Гейт 3: порог уверенности (no-op для детерминированных источников)
	if action.Confidence != nil && *action.Confidence < p.minConfidence {
		return p.reject(ctx, action, domain.GateConfidence,
			fmt.Sprintf("confidence %.3f below threshold %.3f", *action.Confidence, p.minConfidence))
	}

	// Гейт 4: circuit breaker биржи
	exchangeBreaker := p.breakers.Get(domain.BreakerExchange)
	if !exchangeBreaker.Available() {
		return p.reject(ctx, action, domain.GateBreaker,
			fmt.Sprintf("%s: %s", domain.ErrBreakerOpen.Error(), domain.BreakerExchange))
	}

	// Референсная цена нужна гейтам 5 и 6 для расчета notional
	refPrice, err := p.prices.GetPrice(ctx, action.Symbol)
	if err != nil {
		return p.reject(ctx, action, domain.GateNormalization,
			fmt.Sprintf("reference price unavailable for %s: %v", action.Symbol, err))
	}

	// Дальше критическая секция по символу: между проверкой лимита
	// позиций и записью в ledger не должно вклиниться второе действие
	// по тому же символу
	unlock := p.lockSymbol(action.Symbol)
	defer unlock()

	// Гейт 5: risk policy engine
	trade := policy.ProposedTrade{
		Symbol:      action.Symbol,
		Side:        action.Side,
		NotionalUSD: actionNotional(action, refPrice),
	}
	validation, err := p.risk.Validate(ctx, trade)
	if err != nil {
		return nil, p.halt(err)
	}
	if !validation.Approved {
		return p.rejectWithRisk(action, validation.Gate, validation.Reason, validation.Snapshot)
	}

	// Гейт 6: нормализация под торговые правила биржи
	symbolFilters, err := p.filters.Get(ctx, action.Symbol)
	if err != nil {
		return p.rejectWithRisk(action, domain.GateNormalization, err.Error(), validation.Snapshot)
	}

	quantity := action.Quantity
	if quantity <= 0 {
		price := refPrice
		if action.OrderType == domain.OrderTypeLimit && action.LimitPrice > 0 {
			price = action.LimitPrice
		}
		quantity = action.QuoteAmount / price
	}

	order, err := filters.Normalize(filters.OrderDraft{
		Symbol:     action.Symbol,
		Side:       action.Side,
		OrderType:  action.OrderType,
		Quantity:   quantity,
		LimitPrice: action.LimitPrice,
		RefPrice:   refPrice,
	}, symbolFilters)
	if err != nil {
		return p.rejectWithRisk(action, domain.GateNormalization, err.Error(), validation.Snapshot)
	}
	order.ClientOrderID = ClientOrderID(order, p.now().Format(domain.TradingDateLayout))

	// Гейт 7: идемпотентная отправка
	var exists bool
	err = p.breakers.Call(domain.BreakerExchange, func() error {
		var callErr error
		exists, callErr = p.exec.OrderExists(ctx, action.Symbol, order.ClientOrderID)
		return callErr
	})
	if err != nil {
		return p.rejectWithRisk(action, domain.GateSubmission, submissionReason(err), validation.Snapshot)
	}
	if exists {
		p.logger.Info("ордер %s уже существует, повторная отправка подавлена", order.ClientOrderID)
		return p.accept(ctx, action, order, nil, true, validation.Snapshot)
	}

	var info *domain.OrderInfo
	err = p.breakers.Call(domain.BreakerExchange, func() error {
		var callErr error
		info, callErr = p.exec.SubmitOrder(ctx, order)
		return callErr
	})
	if err != nil {
		return p.rejectWithRisk(action, domain.GateSubmission, submissionReason(err), validation.Snapshot)
	}

	// Подтвержденный ордер меняет ledger и дневной P&L
	if err := p.applyFill(ctx, action, order, refPrice); err != nil {
		return nil, err
	}

	return p.accept(ctx, action, order, info, false, validation.Snapshot)
}

// applyFill обновляет ledger и risk state после принятого ордера.
// Ошибка здесь фатальна: состояние риска без зафиксированной позиции
// недостоверно.
func (p *Pipeline) applyFill(ctx context.Context, action *Action, order *domain.NormalizedOrder, refPrice float64) error {
	quantity, err := strconv.ParseFloat(order.Quantity, 64)
	if err != nil {
		return p.halt(fmt.Errorf("%w: bad normalized quantity %q: %v", domain.ErrPersistence, order.Quantity, err))
	}

	price := refPrice
	if order.Price != "" {
		if parsed, err := strconv.ParseFloat(order.Price, 64); err == nil {
			price = parsed
		}
	}

	if action.Side == domain.SideBuy {
		if _, err := p.book.Open(ctx, action.Symbol, action.Side, quantity, price); err != nil {
			return p.halt(err)
		}
		return nil
	}

	pnl, err := p.book.CloseBySymbol(ctx, action.Symbol, price)
	if err != nil {
		return p.halt(err)
	}
	if err := p.risk.RecordRealizedPnL(ctx, action.Symbol, pnl); err != nil {
		return p.halt(err)
	}
	return nil
}

func (p *Pipeline) reject(ctx context.Context, action *Action, gate, reason string) (*Decision, error) {
	snapshot, err := p.risk.Snapshot(ctx, -1)
	if err != nil {
		return nil, p.halt(err)
	}
	return p.rejectWithRisk(action, gate, reason, snapshot)
}

func (p *Pipeline) rejectWithRisk(action *Action, gate, reason string, risk domain.RiskSnapshot) (*Decision, error) {
	decision := &Decision{
		ActionID: action.ID,
		Accepted: false,
		Gate:     gate,
		Reason:   reason,
		Risk:     risk,
	}

	p.metrics.IncRejected(gate)
	p.logger.Info("действие %s отклонено на гейте %s: %s", action.ID, gate, reason)

	if err := p.audit(action, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

func (p *Pipeline) accept(ctx context.Context, action *Action, order *domain.NormalizedOrder, info *domain.OrderInfo, duplicate bool, risk domain.RiskSnapshot) (*Decision, error) {
	decision := &Decision{
		ActionID:  action.ID,
		Accepted:  true,
		Duplicate: duplicate,
		Order:     order,
		OrderInfo: info,
		Risk:      risk,
	}
	if duplicate {
		decision.Reason = fmt.Sprintf("order %s already exists, submission suppressed", order.ClientOrderID)
	}

	p.metrics.IncAdmitted()

	if err := p.audit(action, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// audit пишет ровно одну запись решения на действие. Ошибка записи
// фатальна и останавливает admission целиком.
func (p *Pipeline) audit(action *Action, decision *Decision) error {
	record := &domain.AuditRecord{
		Timestamp: p.now(),
		Kind:      domain.AuditKindDecision,
		ActionID:  decision.ActionID,
		Source:    action.Source,
		Symbol:    action.Symbol,
		Side:      action.Side,
		Reason:    decision.Reason,
		Risk:      decision.Risk,
		Order:     decision.Order,
	}
	if decision.Accepted {
		record.Decision = domain.DecisionAccepted
	} else {
		record.Decision = domain.DecisionRejected
		record.Gate = decision.Gate
	}

	if err := p.trail.Append(record); err != nil {
		return p.halt(err)
	}
	return nil
}

// halt останавливает pipeline после фатальной ошибки persistence
func (p *Pipeline) halt(err error) error {
	if p.halted.CompareAndSwap(false, true) {
		p.logger.Error("ADMISSION HALTED: %v", err)
	}
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}

func (p *Pipeline) lockSymbol(symbol string) func() {
	lock, _ := p.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// actionNotional считает размер сделки в quote-валюте
func actionNotional(action *Action, refPrice float64) float64 {
	if action.QuoteAmount > 0 {
		return action.QuoteAmount
	}
	price := refPrice
	if action.OrderType == domain.OrderTypeLimit && action.LimitPrice > 0 {
		price = action.LimitPrice
	}
	return action.Quantity * price
}

// submissionReason формирует причину отказа на гейте отправки
func submissionReason(err error) string {
	if errors.Is(err, domain.ErrBreakerOpen) {
		return err.Error()
	}
	return fmt.Sprintf("exchange call failed: %v", err)
}
