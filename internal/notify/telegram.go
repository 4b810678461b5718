package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the send-only Telegram channel.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

type telegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegram builds a Sender backed by a bot with no poller attached; it
// never consumes updates.
func NewTelegram(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	// telebot has no context-aware send; honour cancellation before the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text)
	return err
}
