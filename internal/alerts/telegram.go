package alerts

import (
	"context"
	"fmt"
	"sort"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter posts alerts to a fixed set of operator chats. It is
// strictly one-way; the bot never reads messages back.
type TelegramAlerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

// NewTelegramAlerter creates a Telegram-based alerter. The token and
// chat IDs come from the telegram section of the config.
func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int("chats", len(chatIDs)).
		Msg("Telegram alerter ready")

	return &TelegramAlerter{api: api, chatIDs: chatIDs}, nil
}

// Send posts the alert to every configured chat. A chat that rejects
// the message is logged and skipped; Send fails only when no chat
// accepted it.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	if len(t.chatIDs) == 0 {
		log.Warn().Msg("Telegram alerter has no chats configured")
		return nil
	}

	text := t.formatAlert(alert)

	delivered := 0
	var lastErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "Markdown"
		if _, err := t.api.Send(msg); err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("alert_title", alert.Title).
				Msg("Telegram delivery failed")
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("no chat accepted alert %q: %w", alert.Title, lastErr)
	}

	log.Debug().
		Int("delivered", delivered).
		Int("chats", len(t.chatIDs)).
		Msg("Telegram alert delivered")

	return nil
}

// formatAlert renders an alert as a Markdown message. Metadata keys are
// sorted so repeated alerts diff cleanly in the chat history.
func (t *TelegramAlerter) formatAlert(alert Alert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityInfo:
		emoji = "ℹ️"
	default:
		emoji = "📢"
	}

	message := fmt.Sprintf("%s *%s*", emoji, alert.Title)
	if alert.Scope != "" {
		message += fmt.Sprintf(" `[%s]`", alert.Scope)
	}
	message += "\n\n" + alert.Message

	if len(alert.Metadata) > 0 {
		keys := make([]string, 0, len(alert.Metadata))
		for key := range alert.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		message += "\n\n*Details:*"
		for _, key := range keys {
			message += fmt.Sprintf("\n• %s: `%v`", key, alert.Metadata[key])
		}
	}

	message += fmt.Sprintf("\n\n_%s UTC_", alert.Timestamp.UTC().Format("2006-01-02 15:04:05"))

	return message
}
