package notify

import (
	"context"
	"fmt"
	"html"
	"math"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
)

// Sender is the part of the bot API used to post messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts verification codes to a fixed chat.
type Telegram struct {
	bot    Sender
	chatID int64
	now    func() time.Time
}

// NewTelegram connects to the bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return newTelegram(bot, chatID), nil
}

func newTelegram(bot Sender, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, now: time.Now}
}

func (t *Telegram) Deliver(ctx context.Context, email, code string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	minutes := int(math.Ceil(expiresAt.Sub(t.now()).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	text := appI18n.Td(ctx, "VerificationCodeMessage", map[string]any{
		"Email": html.EscapeString(email),
		"Code":  html.EscapeString(code),
	}) + "\n" + appI18n.Tp(ctx, "CodeValidFor", minutes)

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
