package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
)

// Client delivers weekly digest messages over the Telegram bot API.
type Client struct {
	token string
	http  *http.Client
	log   zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{token: cfg.TelegramToken, http: &http.Client{Timeout: 10 * time.Second}, log: log}
}

func (c *Client) send(ctx context.Context, chatID int64, body map[string]any) error {
	if c.token == "" || chatID == 0 {
		return fmt.Errorf("telegram: missing token or chat id")
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token)
	body["chat_id"] = chatID
	body["disable_web_page_preview"] = true
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram sendMessage status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.send(ctx, chatID, map[string]any{"text": text, "parse_mode": "Markdown"})
}

// SendMessagePlain skips parse_mode so metric values with underscores cannot
// break Markdown parsing.
func (c *Client) SendMessagePlain(ctx context.Context, chatID int64, text string) error {
	return c.send(ctx, chatID, map[string]any{"text": text})
}
