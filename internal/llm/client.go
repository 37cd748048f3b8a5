// Package llm provides the planning-model client the pipeline uses for
// intent classification, action planning, and general chat. The upstream
// provider is Anthropic's Messages API; the Client interface keeps the
// pipeline testable against a fake.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/errs"
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role    domain.Role
	Content string
}

// Request is a single completion call.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Client produces a text completion for a request. Implementations carry
// their own retry/timeout behavior; callers wrap calls in a per-call
// context deadline.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a mock for *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	msg         MessagesClient
	model       string
	maxTokens   int
	temperature float64
}

// NewAnthropicClient builds a client from an API key and model identifier.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if model == "" {
		return nil, errors.New("llm: model identifier is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClientFromMessages(&ac.Messages, model), nil
}

// NewAnthropicClientFromMessages wires an existing Messages client,
// letting tests inject a mock.
func NewAnthropicClientFromMessages(msg MessagesClient, model string) *AnthropicClient {
	return &AnthropicClient{
		msg:         msg,
		model:       model,
		maxTokens:   1024,
		temperature: 0.3,
	}
}

// Complete issues a non-streaming Messages.New call and concatenates the
// text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("llm: messages are required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  encodeMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", &errs.UpstreamError{Where: "model", Detail: "messages.new", Err: err}
	}
	if msg == nil {
		return "", &errs.UpstreamError{Where: "model", Detail: "empty response"}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", &errs.UpstreamError{Where: "model", Detail: fmt.Sprintf("no text content in response %s", msg.ID)}
	}
	return text, nil
}

func encodeMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == domain.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}
