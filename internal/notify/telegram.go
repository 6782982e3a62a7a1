package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/pkg/utils"
)

// RiskController операции, доступные оператору из чата
type RiskController interface {
	Status(ctx context.Context) (domain.RiskSnapshot, error)
	DeactivateKillSwitch(ctx context.Context, reason string) error
}

// TelegramNotifier шлет алерты о критических переходах состояния риска
// и принимает две операторские команды: /risk и /deactivate.
// Все остальное (дашборды, отчеты) — не его забота.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	risk   RiskController
	logger *utils.Logger
	queue  chan string
}

// queueSize глубина очереди алертов; при переполнении сообщение
// отбрасывается, а не блокирует вызывающего
const queueSize = 32

// NewTelegramNotifier создает нотификатор
func NewTelegramNotifier(token string, chatID int64, risk RiskController, logger *utils.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		api:    bot,
		chatID: chatID,
		risk:   risk,
		logger: logger,
		queue:  make(chan string, queueSize),
	}, nil
}

// Alert ставит сообщение в очередь отправки. Сам HTTP-вызов к Telegram
// делает Run: Alert никогда не блокируется на сети.
func (n *TelegramNotifier) Alert(text string) {
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("очередь telegram-алертов переполнена, сообщение отброшено: %s", text)
	}
}

func (n *TelegramNotifier) send(text string) {
	message := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(message); err != nil {
		n.logger.Error("не удалось отправить telegram-алерт: %v", err)
	}
}

// NotifyTransition форматирует и шлет алерт о переходе состояния риска.
// Подключается как хук к policy engine и breaker registry.
func (n *TelegramNotifier) NotifyTransition(transition, detail string) {
	var text string
	switch transition {
	case domain.TransitionKillSwitchOn:
		text = fmt.Sprintf("🚨 KILL SWITCH ACTIVATED\n%s", detail)
	case domain.TransitionKillSwitchOff:
		text = fmt.Sprintf("✅ Kill switch deactivated\n%s", detail)
	case domain.TransitionBreaker:
		text = fmt.Sprintf("⚡ Circuit breaker: %s", detail)
	default:
		// Cool-down и дневные сбросы в чат не шлем, они в audit trail
		return
	}
	n.Alert(text)
}

// Run отправляет алерты из очереди и слушает операторские команды
// до отмены контекста
func (n *TelegramNotifier) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			n.api.StopReceivingUpdates()
			return
		case text := <-n.queue:
			n.send(text)
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			n.handleCommand(ctx, update.Message)
		}
	}
}

func (n *TelegramNotifier) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	// Команды принимаются только из операторского чата
	if message.Chat.ID != n.chatID {
		n.logger.Warn("команда из чужого чата %d проигнорирована", message.Chat.ID)
		return
	}

	switch message.Command() {
	case "risk":
		snapshot, err := n.risk.Status(ctx)
		if err != nil {
			n.Alert(fmt.Sprintf("Failed to read risk status: %v", err))
			return
		}
		n.Alert(formatStatus(snapshot))

	case "deactivate":
		reason := strings.TrimSpace(message.CommandArguments())
		if reason == "" {
			n.Alert("Usage: /deactivate <reason>")
			return
		}
		if err := n.risk.DeactivateKillSwitch(ctx, fmt.Sprintf("telegram operator %d: %s", message.From.ID, reason)); err != nil {
			n.Alert(fmt.Sprintf("Failed to deactivate kill switch: %v", err))
			return
		}
		n.Alert("✅ Kill switch deactivated")
	}
}

func formatStatus(s domain.RiskSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Risk status %s\n", s.TradingDate)
	fmt.Fprintf(&b, "Realized P&L: %.2f USDT (%.0f%% of daily limit)\n", s.RealizedPnL, s.LossUtilizationPct)
	fmt.Fprintf(&b, "Open positions: %d\n", s.OpenPositions)
	if s.KillSwitchActive {
		fmt.Fprintf(&b, "🚨 Kill switch ACTIVE: %s\n", s.KillSwitchReason)
	}
	if s.CoolDownUntil != nil {
		fmt.Fprintf(&b, "⏸ Cool-down until %s\n", s.CoolDownUntil.Format("15:04:05"))
	}
	return b.String()
}
