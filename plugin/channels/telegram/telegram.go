// Package telegram implements the Telegram channel adapter: long-polling
// for user messages, bot replies delivered through the channel gateway.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/dialogstack/conductor/plugin/channels"
)

// ChannelID is the channel identifier used in broker routing keys.
const ChannelID = "telegram"

// Telegram caps bots at 30 outgoing messages per second overall.
const sendsPerSecond = 30

const pollTimeoutSec = 60

// Config holds the adapter configuration.
type Config struct {
	BotToken string
}

// Adapter bridges one Telegram bot to the agent.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter

	// chat ids by user external id, learned from inbound messages so
	// replies can be routed back.
	mu    sync.RWMutex
	chats map[string]int64
}

func New(config Config) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}
	return newAdapter(bot), nil
}

func newAdapter(bot *tgbotapi.BotAPI) *Adapter {
	return &Adapter{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Every(time.Second/sendsPerSecond), 1),
		chats:   make(map[string]int64),
	}
}

func (a *Adapter) ID() string { return ChannelID }

// Serve long-polls the bot API and forwards every text message to the
// agent. The /start command additionally resets the user's active dialog.
func (a *Adapter) Serve(ctx context.Context, gw channels.Gateway) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := gw.Run(ctx, func(userID, response string) error {
			return a.deliver(ctx, userID, response)
		}); err != nil && ctx.Err() == nil {
			slog.Error("telegram: reply consumer stopped", "error", err)
		}
	}()

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeoutSec
	updates := a.bot.GetUpdatesChan(updateConfig)
	defer a.bot.StopReceivingUpdates()

	slog.Info("telegram: adapter started", "bot", a.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			msg := update.Message
			if msg == nil || msg.From == nil || msg.Text == "" {
				continue
			}
			userID := strconv.FormatInt(msg.From.ID, 10)
			a.rememberChat(userID, msg.Chat.ID)

			reset := msg.IsCommand() && (msg.Command() == "start" || msg.Command() == "close")
			if err := gw.SendUtterance(ctx, userID, msg.Text, reset, time.Time{}); err != nil {
				slog.Error("telegram: failed to forward utterance",
					"user", userID, "error", err)
			}
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, userID, response string) error {
	a.mu.RLock()
	chatID, ok := a.chats[userID]
	a.mu.RUnlock()
	if !ok {
		return errors.Errorf("no known chat for user %s", userID)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(tgbotapi.NewMessage(chatID, response))
	return errors.Wrap(err, "failed to send telegram message")
}

func (a *Adapter) rememberChat(userID string, chatID int64) {
	a.mu.Lock()
	a.chats[userID] = chatID
	a.mu.Unlock()
}
