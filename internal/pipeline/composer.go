package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
)

// voiceMaxChars bounds how much of a response is spoken; the remainder is
// pointed at the text channel with a continuation marker.
const voiceMaxChars = 500

const voiceContinuationMarker = "... (продолжение в текстовом виде)"

// Composer renders a plan plus its execution result for one of the three
// output channels, synthesizing audio for voice.
type Composer struct {
	tts    Synthesizer
	logger *slog.Logger

	ttsTimeout time.Duration
}

func NewComposer(synth Synthesizer, logger *slog.Logger) *Composer {
	return &Composer{tts: synth, logger: logger, ttsTimeout: 30 * time.Second}
}

// Compose builds the terminal response. TTS failure degrades to a text
// response with AudioError set; it never fails the pipeline.
func (c *Composer) Compose(ctx context.Context, userID string, plan domain.ActionPlan, execution ExecutionResult, channel Channel, includeAudio bool) Response {
	text := c.buildResponseText(plan, execution, channel)

	response := Response{
		Type:    plan.Kind,
		Intent:  plan.Intent,
		Text:    text,
		Channel: channel,
	}
	response.Execution = &execution

	switch plan.Kind {
	case domain.PlanSearchResponse:
		response.Sources = plan.Sources
		response.Articles = plan.Articles
	case domain.PlanActionPlan:
		response.Actions = plan.Actions
		response.NeedsConfirmation = execution.NeedsConfirmation
	}

	if channel == ChannelVoice && includeAudio && text != "" && c.tts != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.ttsTimeout)
		out, err := c.tts.Synthesize(callCtx, text, string(channel))
		cancel()
		if err != nil {
			c.logger.Error("failed to generate audio", "user_id", userID, "error", err)
			response.AudioError = err.Error()
		} else {
			response.Audio = &Audio{
				Data:       out.Bytes,
				Format:     out.Format,
				Size:       len(out.Bytes),
				DurationMs: out.DurationMs,
			}
		}
	}

	c.logger.Info("response composed",
		"user_id", userID,
		"channel", channel,
		"text_length", len(text),
		"has_audio", response.Audio != nil,
	)
	return response
}

func (c *Composer) buildResponseText(plan domain.ActionPlan, execution ExecutionResult, channel Channel) string {
	text := plan.ResponseText

	if execution.Executed > 0 && execution.Message != "" {
		text = text + "\n" + execution.Message
	}
	if execution.NeedsConfirmation && execution.Message != "" {
		text = execution.Message
	}

	switch channel {
	case ChannelVoice:
		return OptimizeForVoice(text)
	case ChannelTelegram:
		return formatForTelegram(text, plan)
	}
	return text
}

// OptimizeForVoice strips markdown, collapses blank lines, and truncates
// long texts with a spoken continuation marker.
func OptimizeForVoice(text string) string {
	text = strings.NewReplacer("**", "", "*", "", "#", "").Replace(text)
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	if runes := []rune(text); len(runes) > voiceMaxChars {
		text = string(runes[:voiceMaxChars]) + voiceContinuationMarker
	}
	return strings.TrimSpace(text)
}

// formatForTelegram keeps markdown and appends sources/article links.
func formatForTelegram(text string, plan domain.ActionPlan) string {
	formatted := text

	if plan.Kind == domain.PlanSearchResponse {
		if len(plan.Sources) > 0 {
			formatted += "\n\n**Источники:**"
			for i, source := range plan.Sources {
				if i >= 5 {
					break
				}
				formatted += fmt.Sprintf("\n%d. %s", i+1, source.URL)
			}
		}
		if len(plan.Articles) > 0 {
			formatted += "\n\n**Статьи:**"
			for i, article := range plan.Articles {
				if i >= 5 {
					break
				}
				formatted += fmt.Sprintf("\n• [%s](%s)", article.Title, article.URL)
			}
		}
	}

	return formatted
}

// SplitForSynthesis breaks text into chunks no longer than max for TTS
// providers with a per-request character cap, preferring sentence
// boundaries. Text within the cap comes back as a single chunk equal to
// the input.
func SplitForSynthesis(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > max {
		cut := max
		if idx := strings.LastIndexAny(remaining[:max], ".!?"); idx > 0 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(remaining[:max], ' '); idx > 0 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimSpace(remaining[:cut]))
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// ComposeStream adapts a stream of text chunks into stream_chunk frames
// followed by a terminal stream_complete carrying the accumulated text.
func (c *Composer) ComposeStream(ctx context.Context, chunks <-chan string, channel Channel) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var accumulated strings.Builder
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-chunks:
				if !ok {
					out <- StreamChunk{
						Type:    "stream_complete",
						Channel: channel,
						Text:    accumulated.String(),
					}
					return
				}
				accumulated.WriteString(chunk)
				out <- StreamChunk{
					Type:        "stream_chunk",
					Channel:     channel,
					Text:        chunk,
					Accumulated: accumulated.String(),
				}
			}
		}
	}()
	return out
}
