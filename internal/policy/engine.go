package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/pkg/utils"
)

// LedgerView дает движку согласованный снимок открытых позиций
type LedgerView interface {
	Snapshot(ctx context.Context, symbol string) (count int, hasOpen bool, err error)
}

// TransitionHook вызывается на каждом переходе состояния риска
// (kill switch, cool-down, дневной сброс). Хук вызывается уже после
// освобождения мьютекса движка: блокирующийся хук не задерживает
// конкурентные Validate и RecordRealizedPnL.
type TransitionHook func(transition, detail string, snapshot domain.RiskSnapshot)

// transitionEvent переход, накопленный под мьютексом до вызова хука
type transitionEvent struct {
	transition string
	detail     string
	snapshot   domain.RiskSnapshot
}

// Engine владеет дневным состоянием риска и проверяет сделки на лимиты.
// Состояние защищено мьютексом и персистится в БД при каждом изменении:
// успех не рапортуется, если запись не зафиксирована.
type Engine struct {
	policy *Policy
	repo   domain.RiskStateRepository
	ledger LedgerView
	logger *utils.Logger

	mu      sync.Mutex
	state   *domain.DailyRiskState
	pending []transitionEvent

	onTransition TransitionHook
	now          func() time.Time
}

// NewEngine создает движок и восстанавливает состояние из БД.
// Kill switch, активированный в предыдущий день, переносится:
// дневной сброс его не снимает, только оператор.
func NewEngine(ctx context.Context, policy *Policy, repo domain.RiskStateRepository, ledger LedgerView, logger *utils.Logger) (*Engine, error) {
	e := &Engine{
		policy: policy,
		repo:   repo,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}

	if err := e.restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore risk state: %w", err)
	}

	return e, nil
}

// SetTransitionHook подключает хук переходов (audit trail, метрики, алерты)
func (e *Engine) SetTransitionHook(hook TransitionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransition = hook
}

func (e *Engine) restore(ctx context.Context) error {
	today := e.now().Format(domain.TradingDateLayout)

	state, err := e.repo.Get(ctx, today)
	if err == nil {
		e.state = state
		return nil
	}
	if err != domain.ErrNotFound {
		return err
	}

	// Записи за сегодня нет: переносим kill switch из последней записи
	fresh := &domain.DailyRiskState{TradingDate: today}
	latest, err := e.repo.GetLatest(ctx)
	if err == nil && latest.KillSwitchActive {
		fresh.KillSwitchActive = true
		fresh.KillSwitchReason = latest.KillSwitchReason
		fresh.KillSwitchAt = latest.KillSwitchAt
		e.logger.Warn("kill switch перенесен с %s: %s", latest.TradingDate, latest.KillSwitchReason)
	} else if err != nil && err != domain.ErrNotFound {
		return err
	}

	if err := e.repo.Upsert(ctx, fresh); err != nil {
		return err
	}
	e.state = fresh
	return nil
}

// Validate проверяет сделку по порядку: kill switch, cool-down,
// лимит позиций и дубликаты, максимальный убыток сделки.
func (e *Engine) Validate(ctx context.Context, trade ProposedTrade) (*ValidationResult, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()

	if err := e.rolloverLocked(ctx); err != nil {
		return nil, err
	}

	count, hasOpen, err := e.ledger.Snapshot(ctx, trade.Symbol)
	if err != nil {
		return nil, err
	}
	snapshot := e.snapshotLocked(count)

	reject := func(gate, reason string) *ValidationResult {
		return &ValidationResult{Approved: false, Gate: gate, Reason: reason, Snapshot: snapshot}
	}

	// (a) Kill switch: BUY отклоняется, SELL разрешен для разгрузки позиций
	if e.state.KillSwitchActive && trade.Side == domain.SideBuy {
		return reject(domain.GateRiskPolicy, fmt.Sprintf(
			"kill switch active (%s), %.0f%% of daily loss limit used; BUY rejected until manual deactivation",
			e.state.KillSwitchReason, snapshot.LossUtilizationPct)), nil
	}

	// (b) Cool-down: после убытка новые покупки ограничены, SELL exempt
	if e.state.CoolDownUntil != nil && e.now().Before(*e.state.CoolDownUntil) && trade.Side != domain.SideSell {
		return reject(domain.GateRiskPolicy, fmt.Sprintf(
			"cool-down active until %s after realized loss",
			e.state.CoolDownUntil.Format(time.RFC3339))), nil
	}

	// (c) Лимит позиций и дубликаты: только для BUY, SELL закрывает существующую
	if trade.Side == domain.SideBuy {
		if count >= e.policy.MaxPositions {
			return reject(domain.GateRiskPolicy, fmt.Sprintf(
				"position cap reached (%d of %d open)", count, e.policy.MaxPositions)), nil
		}
		if hasOpen {
			return reject(domain.GateRiskPolicy, fmt.Sprintf(
				"position already open for %s", trade.Symbol)), nil
		}
	} else if !hasOpen {
		return reject(domain.GateRiskPolicy, fmt.Sprintf(
			"no open position for %s to sell", trade.Symbol)), nil
	}

	// (d) Максимальный убыток сделки из стоп-дистанции и размера позиции
	maxLoss := trade.MaxLossExposure(e.policy.StopDistancePercent)
	if maxLoss > e.policy.MaxTradeLossUSDT {
		excess := maxLoss - e.policy.MaxTradeLossUSDT
		return reject(domain.GateRiskPolicy, fmt.Sprintf(
			"trade loss exposure %.2f exceeds limit %.2f by %.2f, %.0f%% of daily loss budget already used",
			maxLoss, e.policy.MaxTradeLossUSDT, excess, snapshot.LossUtilizationPct)), nil
	}

	return &ValidationResult{Approved: true, Snapshot: snapshot}, nil
}

// RecordRealizedPnL фиксирует результат закрытой сделки: обновляет дневной
// P&L, взводит kill switch при пробое дневного лимита, ставит cool-down
// после убытка и снимает его после прибыльной сделки.
func (e *Engine) RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) error {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()

	if err := e.rolloverLocked(ctx); err != nil {
		return err
	}

	e.state.RealizedPnL += pnl
	now := e.now()

	if pnl < 0 {
		until := now.Add(e.policy.CoolDown())
		e.state.CoolDownUntil = &until
		e.fireLocked(domain.TransitionCoolDownOn, fmt.Sprintf(
			"realized loss %.2f on %s, cool-down until %s", pnl, symbol, until.Format(time.RFC3339)))
	} else if pnl > 0 && e.state.CoolDownUntil != nil {
		e.state.CoolDownUntil = nil
		e.fireLocked(domain.TransitionCoolDownOff, fmt.Sprintf(
			"realized profit %.2f on %s clears cool-down", pnl, symbol))
	}

	if !e.state.KillSwitchActive && e.state.RealizedPnL <= -e.policy.MaxDailyLossUSDT {
		e.state.KillSwitchActive = true
		e.state.KillSwitchReason = fmt.Sprintf("daily loss limit breached: %.2f <= -%.2f",
			e.state.RealizedPnL, e.policy.MaxDailyLossUSDT)
		e.state.KillSwitchAt = &now
		e.logger.Error("KILL SWITCH: %s", e.state.KillSwitchReason)
		e.fireLocked(domain.TransitionKillSwitchOn, e.state.KillSwitchReason)
	}

	return e.persistLocked(ctx)
}

// DeactivateKillSwitch снимает kill switch. Только ручное действие
// оператора, всегда попадает в audit trail через хук.
func (e *Engine) DeactivateKillSwitch(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()

	if !e.state.KillSwitchActive {
		return fmt.Errorf("%w: kill switch is not active", domain.ErrInvalidInput)
	}

	e.state.KillSwitchActive = false
	e.state.KillSwitchReason = ""
	e.state.KillSwitchAt = nil
	e.logger.Warn("kill switch деактивирован оператором: %s", reason)
	e.fireLocked(domain.TransitionKillSwitchOff, "operator: "+reason)

	return e.persistLocked(ctx)
}

// Status возвращает снимок состояния риска для наблюдаемости
func (e *Engine) Status(ctx context.Context) (domain.RiskSnapshot, error) {
	count, _, err := e.ledger.Snapshot(ctx, "")
	if err != nil {
		return domain.RiskSnapshot{}, err
	}

	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()

	if err := e.rolloverLocked(ctx); err != nil {
		return domain.RiskSnapshot{}, err
	}
	return e.snapshotLocked(count), nil
}

// Snapshot возвращает снимок без обращения к ledger (для audit записей,
// когда количество позиций уже известно). Как и Status, проверяет
// границу торгового дня, чтобы снимок не нес вчерашнюю дату.
func (e *Engine) Snapshot(ctx context.Context, openPositions int) (domain.RiskSnapshot, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()

	if err := e.rolloverLocked(ctx); err != nil {
		return domain.RiskSnapshot{}, err
	}
	return e.snapshotLocked(openPositions), nil
}

// rolloverLocked сбрасывает дневное состояние на границе торгового дня.
// P&L и cool-down обнуляются, kill switch переживает сброс.
func (e *Engine) rolloverLocked(ctx context.Context) error {
	today := e.now().Format(domain.TradingDateLayout)
	if e.state.TradingDate == today {
		return nil
	}

	fresh := &domain.DailyRiskState{
		TradingDate:      today,
		KillSwitchActive: e.state.KillSwitchActive,
		KillSwitchReason: e.state.KillSwitchReason,
		KillSwitchAt:     e.state.KillSwitchAt,
	}

	if err := e.repo.Upsert(ctx, fresh); err != nil {
		return err
	}

	prev := e.state.TradingDate
	e.state = fresh
	e.logger.Info("дневной сброс состояния риска: %s -> %s", prev, today)
	e.fireLocked(domain.TransitionDailyReset, fmt.Sprintf("trading day %s -> %s", prev, today))
	return nil
}

func (e *Engine) persistLocked(ctx context.Context) error {
	return e.repo.Upsert(ctx, e.state)
}

// fireLocked ставит переход в очередь; хук получит его из flush,
// когда мьютекс уже отпущен
func (e *Engine) fireLocked(transition, detail string) {
	if e.onTransition == nil {
		return
	}
	e.pending = append(e.pending, transitionEvent{
		transition: transition,
		detail:     detail,
		snapshot:   e.snapshotLocked(-1),
	})
}

func (e *Engine) flush() {
	e.mu.Lock()
	events := e.pending
	e.pending = nil
	hook := e.onTransition
	e.mu.Unlock()

	if hook == nil {
		return
	}
	for _, ev := range events {
		hook(ev.transition, ev.detail, ev.snapshot)
	}
}

func (e *Engine) snapshotLocked(openPositions int) domain.RiskSnapshot {
	snapshot := domain.RiskSnapshot{
		TradingDate:      e.state.TradingDate,
		RealizedPnL:      e.state.RealizedPnL,
		MaxDailyLoss:     e.policy.MaxDailyLossUSDT,
		KillSwitchActive: e.state.KillSwitchActive,
		KillSwitchReason: e.state.KillSwitchReason,
		CoolDownUntil:    e.state.CoolDownUntil,
		OpenPositions:    openPositions,
	}
	if e.state.RealizedPnL < 0 && e.policy.MaxDailyLossUSDT > 0 {
		snapshot.LossUtilizationPct = -e.state.RealizedPnL / e.policy.MaxDailyLossUSDT * 100
	}
	return snapshot
}

// Policy возвращает активный профиль риска
func (e *Engine) Policy() *Policy {
	return e.policy
}
