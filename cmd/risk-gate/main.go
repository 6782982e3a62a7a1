package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillm/risk-gate/internal/admission"
	"github.com/kirillm/risk-gate/internal/api"
	"github.com/kirillm/risk-gate/internal/audit"
	"github.com/kirillm/risk-gate/internal/breaker"
	"github.com/kirillm/risk-gate/internal/config"
	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/internal/exchange"
	"github.com/kirillm/risk-gate/internal/filters"
	"github.com/kirillm/risk-gate/internal/instance"
	"github.com/kirillm/risk-gate/internal/ledger"
	"github.com/kirillm/risk-gate/internal/metrics"
	"github.com/kirillm/risk-gate/internal/notify"
	"github.com/kirillm/risk-gate/internal/policy"
	"github.com/kirillm/risk-gate/internal/pricing"
	"github.com/kirillm/risk-gate/internal/storage"
	"github.com/kirillm/risk-gate/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Один аккаунт — один экземпляр: проверки риска защищены только
	// внутрипроцессными мьютексами
	lock, err := instance.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.NewPostgresStorage(
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.DBName, cfg.Database.SSLMode,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		return err
	}
	defer store.Close()

	trail, err := audit.NewTrail(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer trail.Close()

	book := ledger.New(store.Positions())

	profile, err := policy.LoadPolicy(cfg.Admission.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load risk policy: %w", err)
	}
	logger.Info("профиль риска: %s (дневной лимит %.2f, позиций максимум %d)",
		profile.ProfileName, profile.MaxDailyLossUSDT, profile.MaxPositions)

	engine, err := policy.NewEngine(ctx, profile, store.RiskState(), book, logger.WithPrefix("risk"))
	if err != nil {
		return err
	}

	var notifier *notify.TelegramNotifier
	if cfg.Telegram.Enabled {
		notifier, err = notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, engine, logger.WithPrefix("telegram"))
		if err != nil {
			return err
		}
	}

	// Переходы состояния риска идут в audit trail и оператору
	engine.SetTransitionHook(func(transition, detail string, snapshot domain.RiskSnapshot) {
		record := &domain.AuditRecord{
			Kind:       domain.AuditKindTransition,
			Transition: transition,
			Detail:     detail,
			Risk:       snapshot,
		}
		if err := trail.Append(record); err != nil {
			logger.Error("не удалось записать переход в audit trail: %v", err)
		}
		if notifier != nil {
			notifier.NotifyTransition(transition, detail)
		}
	})

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		Classifier:       exchange.IsDependencyFault,
		OnTransition: func(name, from, to, reason string) {
			detail := fmt.Sprintf("%s: %s -> %s (%s)", name, from, to, reason)
			logger.Warn("circuit breaker %s", detail)
			snapshot, err := engine.Snapshot(context.Background(), -1)
			if err != nil {
				logger.Error("не удалось снять снимок риска для audit записи: %v", err)
				snapshot = domain.RiskSnapshot{OpenPositions: -1}
			}
			record := &domain.AuditRecord{
				Kind:       domain.AuditKindTransition,
				Transition: domain.TransitionBreaker,
				Detail:     detail,
				Risk:       snapshot,
			}
			if err := trail.Append(record); err != nil {
				logger.Error("не удалось записать переход breaker в audit trail: %v", err)
			}
			if notifier != nil {
				notifier.NotifyTransition(domain.TransitionBreaker, detail)
			}
		},
	})

	client := exchange.NewBybitClient(
		cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.BaseURL,
		cfg.Bybit.RateLimitRPS, cfg.Bybit.RateBurst,
	)

	// Запрос торговых правил идет через breaker биржи
	cache := filters.NewCache(cfg.Filters.TTL, func(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
		var result *domain.SymbolFilters
		err := breakers.Call(domain.BreakerExchange, func() error {
			var callErr error
			result, callErr = client.SymbolFilters(ctx, symbol)
			return callErr
		})
		return result, err
	}, logger.WithPrefix("filters"))

	// Референсная цена тоже идет через breaker биржи: деградация
	// тикеров двигает тот же счетчик, что и остальные вызовы
	prices := pricing.NewFailover(pricing.SourceFunc(func(ctx context.Context, symbol string) (float64, error) {
		var price float64
		err := breakers.Call(domain.BreakerExchange, func() error {
			var callErr error
			price, callErr = client.LastPrice(ctx, symbol)
			return callErr
		})
		return price, err
	}), logger.WithPrefix("pricing"))

	m := metrics.New()

	pipeline := admission.New(
		admission.Config{
			AllowedSources: cfg.Admission.AllowedSources,
			MinConfidence:  cfg.Admission.MinConfidence,
			DefaultTTL:     cfg.Admission.DefaultTTL,
		},
		breakers, engine, book, cache, prices, client, trail, m,
		logger.WithPrefix("admission"),
	)

	balance := func(ctx context.Context) (*domain.AccountBalance, error) {
		var result *domain.AccountBalance
		err := breakers.Call(domain.BreakerExchange, func() error {
			var callErr error
			result, callErr = client.AccountBalance(ctx, "USDT")
			return callErr
		})
		return result, err
	}

	server := api.NewServer(logger.WithPrefix("api"), engine, book, cache, breakers, m, pipeline, balance, cfg.APIPort)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server stopped: %v", err)
			stop()
		}
	}()

	if notifier != nil {
		go notifier.Run(ctx)
	}

	logger.Info("risk-gate запущен, admission pipeline готов")
	<-ctx.Done()
	logger.Info("получен сигнал остановки, завершаемся")
	return nil
}
