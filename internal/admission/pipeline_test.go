package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillm/risk-gate/internal/breaker"
	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/internal/metrics"
	"github.com/kirillm/risk-gate/internal/policy"
	"github.com/kirillm/risk-gate/pkg/utils"
)

var errExchangeDown = errors.New("bybit: 502 bad gateway")

// memBook держит позиции в памяти и служит одновременно ledger
// для движка риска и position book для pipeline
type memBook struct {
	mu        sync.Mutex
	positions map[string]*memPosition
}

type memPosition struct {
	quantity   float64
	entryPrice float64
}

func newMemBook() *memBook {
	return &memBook{positions: make(map[string]*memPosition)}
}

func (b *memBook) Open(_ context.Context, symbol, _ string, quantity, entryPrice float64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[symbol]; ok {
		return 0, domain.ErrDuplicatePosition
	}
	b.positions[symbol] = &memPosition{quantity: quantity, entryPrice: entryPrice}
	return int64(len(b.positions)), nil
}

func (b *memBook) CloseBySymbol(_ context.Context, symbol string, exitPrice float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return 0, domain.ErrNotFound
	}
	delete(b.positions, symbol)
	return (exitPrice - p.entryPrice) * p.quantity, nil
}

func (b *memBook) Snapshot(_ context.Context, symbol string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, hasOpen := b.positions[symbol]
	return len(b.positions), hasOpen, nil
}

func (b *memBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// memRiskRepo хранит дневное состояние риска в памяти
type memRiskRepo struct {
	mu     sync.Mutex
	states map[string]*domain.DailyRiskState
}

func (r *memRiskRepo) Get(_ context.Context, tradingDate string) (*domain.DailyRiskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[tradingDate]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (r *memRiskRepo) GetLatest(_ context.Context) (*domain.DailyRiskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.DailyRiskState
	for _, state := range r.states {
		if latest == nil || state.TradingDate > latest.TradingDate {
			latest = state
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *memRiskRepo) Upsert(_ context.Context, state *domain.DailyRiskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *state
	r.states[state.TradingDate] = &copied
	return nil
}

// memExchange эмулирует исполнение ордеров на бирже
type memExchange struct {
	mu          sync.Mutex
	orders      map[string]bool // clientOrderID -> существует
	submitCalls int
	submitErr   error
	existsErr   error
}

func newMemExchange() *memExchange {
	return &memExchange{orders: make(map[string]bool)}
}

func (e *memExchange) OrderExists(_ context.Context, _, clientOrderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.existsErr != nil {
		return false, e.existsErr
	}
	return e.orders[clientOrderID], nil
}

func (e *memExchange) SubmitOrder(_ context.Context, order *domain.NormalizedOrder) (*domain.OrderInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitCalls++
	if e.submitErr != nil {
		return nil, e.submitErr
	}
	e.orders[order.ClientOrderID] = true
	return &domain.OrderInfo{
		OrderID:       fmt.Sprintf("exch-%d", e.submitCalls),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Status:        "New",
	}, nil
}

// memTrail собирает audit записи в память
type memTrail struct {
	mu        sync.Mutex
	records   []domain.AuditRecord
	appendErr error
}

func (t *memTrail) Append(record *domain.AuditRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appendErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, t.appendErr)
	}
	t.records = append(t.records, *record)
	return nil
}

func (t *memTrail) all() []domain.AuditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AuditRecord, len(t.records))
	copy(out, t.records)
	return out
}

type staticFilters struct{}

func (staticFilters) Get(_ context.Context, symbol string) (*domain.SymbolFilters, error) {
	return &domain.SymbolFilters{
		Symbol:      symbol,
		TickSize:    decimal.RequireFromString("0.1"),
		QtyStep:     decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
		FetchedAt:   time.Now(),
	}, nil
}

type priceFeed struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (f *priceFeed) GetPrice(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

func (f *priceFeed) set(price float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
	f.err = err
}

// breakerPriceSource роутит запрос цены через breaker биржи, как в
// боевой сборке
type breakerPriceSource struct {
	breakers *breaker.Registry
	feed     *priceFeed
}

func (s breakerPriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := s.breakers.Call(domain.BreakerExchange, func() error {
		var callErr error
		price, callErr = s.feed.GetPrice(ctx, symbol)
		return callErr
	})
	return price, err
}

// harness собирает pipeline с реальным движком риска поверх in-memory фейков
type harness struct {
	pipeline *Pipeline
	engine   *policy.Engine
	book     *memBook
	exchange *memExchange
	trail    *memTrail
	metrics  *metrics.Metrics
	breakers *breaker.Registry
	feed     *priceFeed
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	book := newMemBook()
	logger := utils.NewLogger("error")

	engine, err := policy.NewEngine(context.Background(), &policy.Policy{
		ProfileName:         "test",
		MaxDailyLossUSDT:    20,
		MaxTradeLossUSDT:    25,
		MaxPositions:        3,
		StopDistancePercent: 2.0,
		CoolDownMinutes:     60,
	}, &memRiskRepo{states: make(map[string]*domain.DailyRiskState)}, book, logger)
	if err != nil {
		t.Fatalf("policy.NewEngine() error = %v", err)
	}

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		Classifier: func(err error) bool {
			return errors.Is(err, errExchangeDown)
		},
	})

	exchange := newMemExchange()
	trail := &memTrail{}
	m := metrics.New()
	feed := &priceFeed{price: 50000}

	pipeline := New(Config{
		AllowedSources: []string{"momentum-v2", "manual"},
		MinConfidence:  0.6,
		DefaultTTL:     30 * time.Second,
	}, breakers, engine, book, staticFilters{}, breakerPriceSource{breakers: breakers, feed: feed}, exchange, trail, m, logger)
	pipeline.now = func() time.Time { return now }

	return &harness{
		pipeline: pipeline,
		engine:   engine,
		book:     book,
		exchange: exchange,
		trail:    trail,
		metrics:  m,
		breakers: breakers,
		feed:     feed,
		now:      now,
	}
}

func (h *harness) buyAction(symbol string) *Action {
	return &Action{
		Source:      "momentum-v2",
		Symbol:      symbol,
		Side:        domain.SideBuy,
		OrderType:   domain.OrderTypeMarket,
		QuoteAmount: 100,
		CreatedAt:   h.now,
	}
}

func TestPipeline_AdmitBuy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	decision, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !decision.Accepted {
		t.Fatalf("decision rejected at %s: %s", decision.Gate, decision.Reason)
	}
	if decision.ActionID == "" {
		t.Error("action ID was not filled in")
	}
	if decision.Order.Quantity != "0.002" {
		t.Errorf("normalized quantity = %s, want 0.002", decision.Order.Quantity)
	}
	if !strings.HasPrefix(decision.Order.ClientOrderID, "rg-") {
		t.Errorf("client order id = %s, want rg- prefix", decision.Order.ClientOrderID)
	}
	if decision.OrderInfo == nil || decision.OrderInfo.OrderID == "" {
		t.Error("order info missing on accepted decision")
	}

	if h.book.count() != 1 {
		t.Errorf("open positions = %d, want 1", h.book.count())
	}
	if h.exchange.submitCalls != 1 {
		t.Errorf("submit calls = %d, want 1", h.exchange.submitCalls)
	}

	records := h.trail.all()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].Decision != domain.DecisionAccepted {
		t.Errorf("audit decision = %s, want %s", records[0].Decision, domain.DecisionAccepted)
	}
	if records[0].Order == nil {
		t.Error("audit record has no normalized order")
	}

	admitted, _ := h.metrics.Snapshot()
	if admitted != 1 {
		t.Errorf("admitted counter = %d, want 1", admitted)
	}
}

func TestPipeline_GateRejections(t *testing.T) {
	confidence := 0.3

	tests := []struct {
		name     string
		mutate   func(h *harness, a *Action)
		wantGate string
	}{
		{
			name:     "unknown source",
			mutate:   func(_ *harness, a *Action) { a.Source = "rogue-bot" },
			wantGate: domain.GateSourceWhitelist,
		},
		{
			name:     "stale action",
			mutate:   func(h *harness, a *Action) { a.CreatedAt = h.now.Add(-31 * time.Second) },
			wantGate: domain.GateStaleness,
		},
		{
			name:     "explicit ttl respected",
			mutate:   func(h *harness, a *Action) { a.CreatedAt = h.now.Add(-6 * time.Second); a.TTL = 5 * time.Second },
			wantGate: domain.GateStaleness,
		},
		{
			name:     "low confidence",
			mutate:   func(_ *harness, a *Action) { a.Confidence = &confidence },
			wantGate: domain.GateConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			action := h.buyAction("BTCUSDT")
			tt.mutate(h, action)

			decision, err := h.pipeline.Admit(context.Background(), action)
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			if decision.Accepted {
				t.Fatal("decision accepted, want rejection")
			}
			if decision.Gate != tt.wantGate {
				t.Errorf("gate = %s, want %s", decision.Gate, tt.wantGate)
			}

			records := h.trail.all()
			if len(records) != 1 {
				t.Fatalf("audit records = %d, want 1", len(records))
			}
			if records[0].Gate != tt.wantGate {
				t.Errorf("audit gate = %s, want %s", records[0].Gate, tt.wantGate)
			}
			if h.exchange.submitCalls != 0 {
				t.Errorf("submit calls = %d, want 0", h.exchange.submitCalls)
			}

			_, rejected := h.metrics.Snapshot()
			if rejected[tt.wantGate] != 1 {
				t.Errorf("rejected[%s] = %d, want 1", tt.wantGate, rejected[tt.wantGate])
			}
		})
	}
}

func TestPipeline_BreakerOpenRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Пять подряд серверных ошибок размыкают breaker биржи
	for i := 0; i < 5; i++ {
		h.breakers.Call(domain.BreakerExchange, func() error { return errExchangeDown })
	}

	decision, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("decision accepted with open breaker")
	}
	if decision.Gate != domain.GateBreaker {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateBreaker)
	}
	if h.exchange.submitCalls != 0 {
		t.Errorf("submit calls = %d, want 0", h.exchange.submitCalls)
	}
}

func TestPipeline_RiskPolicyRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"} {
		if _, err := h.book.Open(ctx, symbol, domain.SideBuy, 0.001, 50000); err != nil {
			t.Fatalf("Open(%s) error = %v", symbol, err)
		}
	}

	decision, err := h.pipeline.Admit(ctx, h.buyAction("SOLUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("fourth BUY accepted over position cap")
	}
	if decision.Gate != domain.GateRiskPolicy {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateRiskPolicy)
	}
	if decision.Risk.OpenPositions != 3 {
		t.Errorf("snapshot open positions = %d, want 3", decision.Risk.OpenPositions)
	}
}

func TestPipeline_NormalizationRejects(t *testing.T) {
	h := newHarness(t)

	action := h.buyAction("BTCUSDT")
	action.QuoteAmount = 3 // после нормализации notional ниже минимума

	decision, err := h.pipeline.Admit(context.Background(), action)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("order below min notional accepted")
	}
	if decision.Gate != domain.GateNormalization {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateNormalization)
	}
}

func TestPipeline_PriceUnavailableRejects(t *testing.T) {
	h := newHarness(t)
	h.feed.set(0, errors.New("all price sources failed"))

	decision, err := h.pipeline.Admit(context.Background(), h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("decision accepted without reference price")
	}
	if decision.Gate != domain.GateNormalization {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateNormalization)
	}
}

func TestPipeline_PriceFailuresTripBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.set(0, errExchangeDown)

	// Каждый отказ тикеров двигает счетчик breaker так же, как отказ
	// любого другого вызова биржи
	for i := 0; i < 5; i++ {
		decision, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
		if err != nil {
			t.Fatalf("Admit() #%d error = %v", i+1, err)
		}
		if decision.Gate != domain.GateNormalization {
			t.Fatalf("Admit() #%d gate = %s, want %s", i+1, decision.Gate, domain.GateNormalization)
		}
	}

	if got := h.breakers.Get(domain.BreakerExchange).State(); got != domain.BreakerOpen {
		t.Fatalf("breaker state = %s, want %s after price failures", got, domain.BreakerOpen)
	}

	decision, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Gate != domain.GateBreaker {
		t.Errorf("gate = %s, want %s with open breaker", decision.Gate, domain.GateBreaker)
	}
}

func TestPipeline_DuplicateSubmissionSuppressed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Ордер с тем же содержимым уже есть на бирже (ретрай после потерянного ответа)
	expected := ClientOrderID(&domain.NormalizedOrder{
		Symbol:    "BTCUSDT",
		Side:      domain.SideBuy,
		OrderType: domain.OrderTypeMarket,
		Quantity:  "0.002",
	}, h.now.Format(domain.TradingDateLayout))
	h.exchange.orders[expected] = true

	decision, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !decision.Accepted {
		t.Fatalf("duplicate rejected at %s: %s", decision.Gate, decision.Reason)
	}
	if !decision.Duplicate {
		t.Error("decision not marked as duplicate")
	}
	if h.exchange.submitCalls != 0 {
		t.Errorf("submit calls = %d, want 0 for duplicate", h.exchange.submitCalls)
	}

	records := h.trail.all()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].Decision != domain.DecisionAccepted {
		t.Errorf("audit decision = %s, want %s", records[0].Decision, domain.DecisionAccepted)
	}
}

func TestPipeline_SellClosesPositionAndRecordsPnL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.book.Open(ctx, "BTCUSDT", domain.SideBuy, 0.002, 50000); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	sell := &Action{
		Source:    "momentum-v2",
		Symbol:    "BTCUSDT",
		Side:      domain.SideSell,
		OrderType: domain.OrderTypeMarket,
		Quantity:  0.002,
		CreatedAt: h.now,
	}
	h.feed.set(49000, nil)

	decision, err := h.pipeline.Admit(ctx, sell)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !decision.Accepted {
		t.Fatalf("SELL rejected at %s: %s", decision.Gate, decision.Reason)
	}
	if h.book.count() != 0 {
		t.Errorf("open positions = %d, want 0 after close", h.book.count())
	}

	// Убыток -2.00 зафиксирован в движке риска: cool-down блокирует покупки
	buy, err := h.pipeline.Admit(ctx, h.buyAction("ETHUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if buy.Accepted {
		t.Fatal("BUY accepted during cool-down after realized loss")
	}
	if buy.Gate != domain.GateRiskPolicy {
		t.Errorf("gate = %s, want %s", buy.Gate, domain.GateRiskPolicy)
	}
	if !strings.Contains(buy.Reason, "cool-down") {
		t.Errorf("reason = %q, want cool-down mention", buy.Reason)
	}
}

func TestPipeline_SellWithoutPositionRejected(t *testing.T) {
	h := newHarness(t)

	sell := &Action{
		Source:    "momentum-v2",
		Symbol:    "BTCUSDT",
		Side:      domain.SideSell,
		OrderType: domain.OrderTypeMarket,
		Quantity:  0.002,
		CreatedAt: h.now,
	}

	decision, err := h.pipeline.Admit(context.Background(), sell)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("SELL accepted without open position")
	}
	if decision.Gate != domain.GateRiskPolicy {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateRiskPolicy)
	}
}

func TestPipeline_SubmissionFailureRejects(t *testing.T) {
	h := newHarness(t)
	h.exchange.submitErr = errExchangeDown

	decision, err := h.pipeline.Admit(context.Background(), h.buyAction("BTCUSDT"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision.Accepted {
		t.Fatal("decision accepted despite submit failure")
	}
	if decision.Gate != domain.GateSubmission {
		t.Errorf("gate = %s, want %s", decision.Gate, domain.GateSubmission)
	}
	if h.book.count() != 0 {
		t.Errorf("open positions = %d, want 0 after failed submit", h.book.count())
	}
}

func TestPipeline_AuditFailureHalts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.trail.appendErr = errors.New("disk full")

	_, err := h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("Admit() error = %v, want ErrPersistence", err)
	}
	if !h.pipeline.Halted() {
		t.Fatal("pipeline not halted after audit failure")
	}

	_, err = h.pipeline.Admit(ctx, h.buyAction("ETHUSDT"))
	if !errors.Is(err, domain.ErrAdmissionHalted) {
		t.Fatalf("Admit() after halt error = %v, want ErrAdmissionHalted", err)
	}
}

func TestPipeline_InvalidActionNotAudited(t *testing.T) {
	h := newHarness(t)

	action := h.buyAction("BTCUSDT")
	action.Side = "HOLD"

	if _, err := h.pipeline.Admit(context.Background(), action); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Admit() error = %v, want ErrInvalidInput", err)
	}
	if len(h.trail.all()) != 0 {
		t.Error("invalid action produced an audit record")
	}
}

func TestPipeline_ConcurrentSameSymbolOpensOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 8
	decisions := make([]*Decision, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = h.pipeline.Admit(ctx, h.buyAction("BTCUSDT"))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Admit() #%d error = %v", i, errs[i])
		}
		if decisions[i].Accepted && !decisions[i].Duplicate {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
	if h.book.count() != 1 {
		t.Errorf("open positions = %d, want 1", h.book.count())
	}
	if got := len(h.trail.all()); got != workers {
		t.Errorf("audit records = %d, want %d", got, workers)
	}
}
