package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	// TokenEnv names the environment variable holding the bot token.
	// Defaults to TELEGRAM_BOT_TOKEN.
	TokenEnv string
}

// Telegram delivers reminders over a Telegram bot. The recipient address
// is the numeric chat id.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	envName := strings.TrimSpace(cfg.TokenEnv)
	if envName == "" {
		envName = "TELEGRAM_BOT_TOKEN"
	}
	token := strings.TrimSpace(os.Getenv(envName))
	if token == "" {
		return nil, errors.New("telegram: bot token is empty (" + envName + ")")
	}
	// Send-only bot: no poller, updates are never consumed.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, recipient, body string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipient, err)
	}

	// telebot's Send has no context variant; run it off-goroutine so the
	// caller's timeout still bounds the dispatch.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), body)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
