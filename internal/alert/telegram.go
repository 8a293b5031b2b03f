// Package alert delivers operational notifications to Telegram.
package alert

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier is the minimal alerting surface components depend on.
type Notifier interface {
	Send(text string)
}

// Telegram sends messages to a single chat. Missing credentials disable it
// without failing the caller; trading must not stop because alerting is down.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegram builds the alerter from bot token and chat id. Either value
// empty yields a disabled alerter.
func NewTelegram(token, chatID string, log zerolog.Logger) *Telegram {
	t := &Telegram{log: log}
	if token == "" || chatID == "" {
		log.Warn().Msg("telegram credentials missing, alerts disabled")
		return t
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		log.Error().Err(err).Msg("invalid telegram chat id, alerts disabled")
		return t
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Error().Err(err).Msg("telegram bot init failed, alerts disabled")
		return t
	}
	t.bot = bot
	t.chatID = id
	log.Info().Msg("telegram alerter initialized")
	return t
}

// Enabled reports whether messages will actually be delivered.
func (t *Telegram) Enabled() bool { return t.bot != nil }

// Send delivers the message, swallowing delivery errors after logging them.
func (t *Telegram) Send(text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("telegram send failed")
	}
}

// Sendf formats and delivers a message.
func (t *Telegram) Sendf(format string, args ...interface{}) {
	t.Send(fmt.Sprintf(format, args...))
}

// Noop is a Notifier that drops everything, for tests and tools.
type Noop struct{}

// Send implements Notifier.
func (Noop) Send(string) {}
