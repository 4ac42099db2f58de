// Package notify pushes operator alerts over Telegram for the connection
// events that need a human: a QR waiting to be scanned, a terminal logout,
// and recovery after an outage.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/config"
)

// sender is the slice of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards connection alerts to the configured chat IDs. It only
// sends; it never polls for updates.
type Telegram struct {
	bot     sender
	chatIDs []int64
	bus     *bus.Bus
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelegram builds the notifier, dialing the bot API once to validate the
// token. Returns (nil, nil) when alerts are disabled.
func NewTelegram(cfg config.TelegramConfig, b *bus.Bus, logger *slog.Logger) (*Telegram, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram alerts enabled", "user", bot.Self.UserName, "chats", len(cfg.ChatIDs))
	return newWithSender(bot, cfg.ChatIDs, b, logger), nil
}

func newWithSender(bot sender, chatIDs []int64, b *bus.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		bot:     bot,
		chatIDs: chatIDs,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to connection events and relays alerts until the context
// is cancelled.
func (t *Telegram) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	sub := t.bus.Subscribe("connection.")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				if text := alertText(event); text != "" {
					t.broadcast(text)
				}
			}
		}
	}()
}

// Stop cancels the relay loop and waits for it to exit.
func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// alertText maps a bus event to a human message, or "" for events that do
// not warrant an alert.
func alertText(event bus.Event) string {
	switch event.Topic {
	case bus.TopicConnectionQR:
		if qr, ok := event.Payload.(bus.QREvent); ok {
			return fmt.Sprintf("QR code aguardando leitura no terminal (tentativa %d).", qr.Attempt)
		}
		return "QR code aguardando leitura no terminal."
	case bus.TopicConnectionOpen:
		if ev, ok := event.Payload.(bus.ConnectionEvent); ok {
			return fmt.Sprintf("Sessão do WhatsApp conectada (tentativa %d).", ev.Attempt)
		}
		return "Sessão do WhatsApp conectada."
	case bus.TopicConnectionLoggedOut:
		return "Sessão encerrada pelo telefone (logout). Apague o banco de sessão e pareie novamente."
	default:
		return ""
	}
}
