package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBotAPI struct {
	lastParams *bot.SendMessageParams
	err        error
}

func (s *stubBotAPI) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &tgmodels.Message{ID: 42}, nil
}

func TestSendMessage(t *testing.T) {
	stub := &stubBotAPI{}
	sender := NewBotSenderFromAPI(stub, "12345")

	ok, err := sender.SendMessage(context.Background(), "*привет*", "Markdown", false)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NotNil(t, stub.lastParams)
	assert.Equal(t, "12345", stub.lastParams.ChatID)
	assert.Equal(t, "*привет*", stub.lastParams.Text)
	assert.Equal(t, tgmodels.ParseMode("Markdown"), stub.lastParams.ParseMode)
	assert.Nil(t, stub.lastParams.LinkPreviewOptions)
}

func TestSendMessageDefaultsParseMode(t *testing.T) {
	stub := &stubBotAPI{}
	sender := NewBotSenderFromAPI(stub, "12345")

	_, err := sender.SendMessage(context.Background(), "hi", "", false)
	require.NoError(t, err)
	assert.Equal(t, tgmodels.ParseMode("Markdown"), stub.lastParams.ParseMode)
}

func TestSendMessageDisablesPreview(t *testing.T) {
	stub := &stubBotAPI{}
	sender := NewBotSenderFromAPI(stub, "12345")

	_, err := sender.SendMessage(context.Background(), "https://example.com", "", true)
	require.NoError(t, err)
	require.NotNil(t, stub.lastParams.LinkPreviewOptions)
	require.NotNil(t, stub.lastParams.LinkPreviewOptions.IsDisabled)
	assert.True(t, *stub.lastParams.LinkPreviewOptions.IsDisabled)
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	sender := NewBotSenderFromAPI(&stubBotAPI{}, "12345")
	ok, err := sender.SendMessage(context.Background(), "", "", false)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSendMessagePropagatesAPIError(t *testing.T) {
	stub := &stubBotAPI{err: errors.New("bad gateway")}
	sender := NewBotSenderFromAPI(stub, "12345")

	ok, err := sender.SendMessage(context.Background(), "hi", "", false)
	assert.Error(t, err)
	assert.False(t, ok)
}
