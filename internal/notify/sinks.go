package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink posts events to a Telegram chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot token.
func NewTelegramSink(botToken string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot auth: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

// Send implements Sink.
func (t *TelegramSink) Send(_ context.Context, ev Event) error {
	msg := tgbotapi.NewMessage(t.chatID, emoji(ev.Type)+" "+ev.Text())
	_, err := t.bot.Send(msg)
	return err
}

func emoji(t EventType) string {
	switch t {
	case EventOrderPlaced:
		return "✅" // check mark
	case EventOrderExpired:
		return "⏰" // alarm clock
	default:
		return "⚠️" // warning
	}
}

// DiscordSink posts events to a Discord webhook.
type DiscordSink struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSink builds the sink; the URL is the full webhook endpoint.
func NewDiscordSink(webhookURL string) *DiscordSink {
	return &DiscordSink{webhookURL: webhookURL, client: &http.Client{}}
}

// Send implements Sink.
func (d *DiscordSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(map[string]string{
		"content": emoji(ev.Type) + " " + ev.Text(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
