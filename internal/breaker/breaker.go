package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Defaults по спецификации Bybit-клиента: 5 подряд серверных ошибок
// размыкают breaker, через 60 секунд разрешается один пробный вызов.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Classifier решает, относится ли ошибка к самой зависимости.
// Ошибки вызывающей стороны (4xx, невалидный вход) не двигают счетчик.
type Classifier func(error) bool

// TransitionHook вызывается на каждом переходе состояния breaker.
// Хук вызывается уже после освобождения мьютекса: блокирующийся хук
// не задерживает конкурентные Call.
type TransitionHook func(name, from, to, reason string)

// transitionEvent переход, накопленный под мьютексом до вызова хука
type transitionEvent struct {
	from   string
	to     string
	reason string
}

// Breaker реализует state machine CLOSED -> OPEN -> HALF_OPEN для одной
// внешней зависимости. Все переходы под одним мьютексом.
type Breaker struct {
	name              string
	failureThreshold  int
	recoveryTimeout   time.Duration
	isDependencyFault Classifier
	onTransition      TransitionHook

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	openedAt            time.Time
	lastProbeAt         time.Time
	probeInFlight       bool
	pending             []transitionEvent

	now func() time.Time
}

func newBreaker(name string, threshold int, recovery time.Duration, classify Classifier, hook TransitionHook) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	if classify == nil {
		classify = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:              name,
		failureThreshold:  threshold,
		recoveryTimeout:   recovery,
		isDependencyFault: classify,
		onTransition:      hook,
		state:             domain.BreakerClosed,
		now:               time.Now,
	}
}

// Call выполняет fn через breaker. В состоянии OPEN возвращает
// domain.ErrBreakerOpen не вызывая fn.
func (b *Breaker) Call(fn func() error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	callErr := fn()
	b.record(probe, callErr)
	return callErr
}

// acquire решает, пропускать ли вызов. Возвращает probe=true, если это
// единственный пробный вызов в HALF_OPEN.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.flush()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return false, nil

	case domain.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return false, fmt.Errorf("%w: %s (retry after %s)", domain.ErrBreakerOpen, b.name,
				b.openedAt.Add(b.recoveryTimeout).Sub(b.now()).Round(time.Second))
		}
		// Таймаут истек: разрешаем ровно один пробный вызов
		b.transitionLocked(domain.BreakerHalfOpen, "recovery timeout elapsed")
		b.probeInFlight = true
		b.lastProbeAt = b.now()
		return true, nil

	case domain.BreakerHalfOpen:
		if b.probeInFlight {
			return false, fmt.Errorf("%w: %s (probe in flight)", domain.ErrBreakerOpen, b.name)
		}
		b.probeInFlight = true
		b.lastProbeAt = b.now()
		return true, nil
	}

	return false, nil
}

// record фиксирует результат вызова
func (b *Breaker) record(probe bool, callErr error) {
	b.mu.Lock()
	defer b.flush()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if b.isDependencyFault(callErr) {
			// Проба не прошла: размыкаем заново, таймер с этого момента
			b.openedAt = b.now()
			b.transitionLocked(domain.BreakerOpen, "probe failed")
			return
		}
		b.consecutiveFailures = 0
		b.transitionLocked(domain.BreakerClosed, "probe succeeded")
		return
	}

	if b.state != domain.BreakerClosed {
		return
	}

	if !b.isDependencyFault(callErr) {
		if callErr == nil {
			b.consecutiveFailures = 0
		}
		// Ошибки вызывающей стороны не сбрасывают и не двигают счетчик
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.openedAt = b.now()
		b.transitionLocked(domain.BreakerOpen,
			fmt.Sprintf("%d consecutive failures", b.consecutiveFailures))
	}
}

// transitionLocked меняет состояние и ставит переход в очередь; хук
// получит его из flush, когда мьютекс уже отпущен
func (b *Breaker) transitionLocked(to, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.pending = append(b.pending, transitionEvent{from: from, to: to, reason: reason})
	}
}

func (b *Breaker) flush() {
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	hook := b.onTransition
	b.mu.Unlock()

	if hook == nil {
		return
	}
	for _, ev := range events {
		hook(b.name, ev.from, ev.to, ev.reason)
	}
}

// Available сообщает, пропустит ли breaker вызов прямо сейчас.
// false только в состоянии OPEN до истечения recovery timeout.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != domain.BreakerOpen {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.recoveryTimeout
}

// State возвращает текущее состояние breaker
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Gauge возвращает состояние как метрику: CLOSED=0, HALF_OPEN=0.5, OPEN=1
func (b *Breaker) Gauge() float64 {
	switch b.State() {
	case domain.BreakerOpen:
		return 1
	case domain.BreakerHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Snapshot возвращает состояние breaker для status API
func (b *Breaker) Snapshot() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := BreakerStatus{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		status.OpenedAt = &t
	}
	if !b.lastProbeAt.IsZero() {
		t := b.lastProbeAt
		status.LastProbeAt = &t
	}
	return status
}

// BreakerStatus снимок состояния для наблюдаемости
type BreakerStatus struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastProbeAt         *time.Time `json:"last_probe_at,omitempty"`
}
