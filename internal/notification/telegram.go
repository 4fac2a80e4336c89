package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return newTelegramNotifier(telegramAPI, botToken, chatID)
}

func newTelegramNotifier(baseURL, botToken, chatID string) *TelegramNotifier {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(10 * time.Second)
	return &TelegramNotifier{botToken: botToken, chatID: chatID, client: client}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}

	text := fmt.Sprintf("%s *%s*\n_%s_\n\n%s", emoji,
		escapeMarkdown(alert.Title), escapeMarkdown(alert.Subtitle), escapeMarkdown(alert.Message))

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "MarkdownV2",
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if !resp.IsSuccess() || !result.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), result.Description)
	}

	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
