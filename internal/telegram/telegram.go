// Package telegram is a minimal Telegram Bot API client covering what the
// controller needs: webhook registration, webhook removal, user-facing status
// messages, and update parsing.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Telegram Bot API for webhook management and
// notifications.
type Client struct {
	httpClient    *http.Client
	apiBase       string // e.g. https://api.telegram.org, injectable for tests
	publicBaseURL string // public URL of this controller (no trailing slash)
}

// New creates a Telegram client. publicBaseURL is the controller's public URL
// used to build per-tenant webhook callback URLs.
func New(publicBaseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		apiBase:       "https://api.telegram.org",
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithAPIBase overrides the Telegram API base URL (tests).
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SetWebhook registers push delivery for the bot, pointing at this
// controller's callback path. The URL carries the tenant ID, never the bot
// token: the token must not leak into logs or third-party systems.
func (c *Client) SetWebhook(ctx context.Context, botToken, tenantID string) error {
	webhookURL := fmt.Sprintf("%s/webhook/%s", c.publicBaseURL, url.PathEscape(tenantID))
	form := url.Values{}
	form.Set("url", webhookURL)
	return c.call(ctx, botToken, "setWebhook", form)
}

// DeleteWebhook removes push delivery so the bot's own long-poll loop can
// resume. An empty token is a no-op.
func (c *Client) DeleteWebhook(ctx context.Context, botToken string) error {
	if botToken == "" {
		return nil
	}
	form := url.Values{}
	form.Set("drop_pending_updates", "false")
	return c.call(ctx, botToken, "deleteWebhook", form)
}

// SendMessage posts a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, botToken string, chatID int64, text string) error {
	form := url.Values{}
	form.Set("chat_id", fmt.Sprintf("%d", chatID))
	form.Set("text", text)
	return c.call(ctx, botToken, "sendMessage", form)
}

func (c *Client) call(ctx context.Context, botToken, method string, form url.Values) error {
	apiURL := fmt.Sprintf("%s/bot%s/%s", c.apiBase, botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram %s: %s", method, result.Description)
	}
	return nil
}

// ChatID extracts chat.id from an update payload. Returns 0 when the payload
// carries no chat (parse failures are tolerated: status messages are then
// skipped).
func ChatID(update []byte) int64 {
	var u struct {
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		CallbackQuery *struct {
			Message *struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"callback_query"`
	}
	if err := json.Unmarshal(update, &u); err != nil {
		return 0
	}
	if u.Message != nil {
		return u.Message.Chat.ID
	}
	if u.CallbackQuery != nil && u.CallbackQuery.Message != nil {
		return u.CallbackQuery.Message.Chat.ID
	}
	return 0
}
