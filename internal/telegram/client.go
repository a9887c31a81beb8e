// Package telegram is the chat transport: a thin Bot API client plus a long
// polling loop feeding inbound messages to the conversation engine.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/conversation"
)

const apiBase = "https://api.telegram.org"

// Client wraps the handful of Bot API methods the service uses.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

func NewClient(token string, log zerolog.Logger) *Client {
	return newClient(fmt.Sprintf("%s/bot%s", apiBase, token), log)
}

func newClient(baseURL string, log zerolog.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(90 * time.Second)
	return &Client{http: c, log: log}
}

// apiEnvelope is the Bot API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// Update is one inbound event from getUpdates.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type replyKeyboard struct {
	Keyboard       [][]string `json:"keyboard"`
	ResizeKeyboard bool       `json:"resize_keyboard"`
}

// menuKeyboard mirrors the numbered menu so taps send the same keywords a
// typed reply would.
var menuKeyboard = replyKeyboard{
	Keyboard: [][]string{
		{"new", "index", "exercise"},
		{"interpret", "protocol", "stats"},
		{"drill", "tips", "types"},
	},
	ResizeKeyboard: true,
}

type sendMessageRequest struct {
	ChatID      int64          `json:"chat_id"`
	Text        string         `json:"text"`
	ReplyMarkup *replyKeyboard `json:"reply_markup,omitempty"`
}

func (c *Client) sendMessage(ctx context.Context, chatID int64, text string, showMenu bool) error {
	req := sendMessageRequest{ChatID: chatID, Text: text}
	if showMenu {
		req.ReplyMarkup = &menuKeyboard
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(&req).Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	return checkEnvelope(resp, nil)
}

// Send implements conversation.Sender.
func (c *Client) Send(ctx context.Context, msg conversation.Message) error {
	return c.sendMessage(ctx, msg.ChatID, msg.Text, msg.ShowMenu)
}

// Notify implements the scheduler's delivery dependency.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	return c.sendMessage(ctx, chatID, text, false)
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout"`
}

// GetUpdates long-polls for inbound events starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	req := getUpdatesRequest{Offset: offset, Timeout: timeoutSec}
	resp, err := c.http.R().SetContext(ctx).SetBody(&req).Post("/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}
	var updates []Update
	if err := checkEnvelope(resp, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func checkEnvelope(resp *resty.Response, result any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode(), resp.String())
	}
	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !env.OK {
		return fmt.Errorf("telegram: %s", env.Description)
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
