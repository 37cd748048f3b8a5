// Package telegram implements the messaging-bot sender contract behind
// POST /v1/telegram/send: send_message(text, parse_mode, disable_preview).
package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// Sender delivers a message to the configured chat.
type Sender interface {
	SendMessage(ctx context.Context, text, parseMode string, disablePreview bool) (bool, error)
}

// botAPI is the slice of *bot.Bot this adapter uses, kept narrow so tests
// can inject a mock.
type botAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// BotSender sends messages through the Telegram Bot API to a single
// configured chat.
type BotSender struct {
	api    botAPI
	chatID string
}

// NewBotSender constructs a sender from a bot token and target chat id.
func NewBotSender(token, chatID string) (*BotSender, error) {
	if token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if chatID == "" {
		return nil, errors.New("telegram: chat id is required")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &BotSender{api: b, chatID: chatID}, nil
}

// NewBotSenderFromAPI wires an existing bot API, letting tests inject a
// mock.
func NewBotSenderFromAPI(api botAPI, chatID string) *BotSender {
	return &BotSender{api: api, chatID: chatID}
}

// SendMessage delivers text to the configured chat. parseMode defaults to
// Markdown when empty, matching the HTTP surface's wire default.
func (s *BotSender) SendMessage(ctx context.Context, text, parseMode string, disablePreview bool) (bool, error) {
	if text == "" {
		return false, errors.New("telegram: text is required")
	}
	if parseMode == "" {
		parseMode = "Markdown"
	}

	params := &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseMode(parseMode),
	}
	if disablePreview {
		disabled := true
		params.LinkPreviewOptions = &tgmodels.LinkPreviewOptions{IsDisabled: &disabled}
	}

	if _, err := s.api.SendMessage(ctx, params); err != nil {
		return false, fmt.Errorf("telegram: send message: %w", err)
	}
	return true, nil
}
