// Package session implements the streaming core: per-session orchestration
// of a client-facing duplex channel and an upstream realtime model channel,
// with barge-in, tool-call plumbing, heartbeat, and teardown.
package session

import "encoding/json"

// Upstream model event types. Names are wire contract; the forwarder
// passes most of them to the client verbatim.
const (
	EventSessionUpdate  = "session.update"
	EventSessionUpdated = "session.updated"

	EventConversationItemCreate   = "conversation.item.create"
	EventConversationItemCreated  = "conversation.item.created"
	EventConversationItemTruncate = "conversation.item.truncate"

	EventInputAudioBufferAppend        = "input_audio_buffer.append"
	EventInputAudioBufferCommit        = "input_audio_buffer.commit"
	EventInputAudioBufferClear         = "input_audio_buffer.clear"
	EventInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	EventResponseCreate    = "response.create"
	EventResponseCreated   = "response.created"
	EventResponseDone      = "response.done"
	EventResponseCancel    = "response.cancel"
	EventResponseCancelled = "response.cancelled"

	EventResponseOutputItemAdded = "response.output_item.added"
	EventResponseOutputItemDone  = "response.output_item.done"
	EventResponseContentPartAdded = "response.content_part.added"
	EventResponseContentPartDone  = "response.content_part.done"

	EventResponseAudioDelta           = "response.audio.delta"
	EventResponseAudioDone            = "response.audio.done"
	EventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone  = "response.audio_transcript.done"

	EventResponseTextDelta = "response.text.delta"
	EventResponseTextDone  = "response.text.done"

	EventResponseFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventResponseFunctionCallArgumentsDone  = "response.function_call_arguments.done"

	EventError             = "error"
	EventRateLimitsUpdated = "rate_limits.updated"
)

// Client-to-proxy message types.
const (
	MsgConfigure      = "configure"
	MsgAudioInput     = "audio_input"
	MsgAudioCommit    = "audio_commit"
	MsgTextInput      = "text_input"
	MsgCancel         = "cancel"
	MsgFunctionResult = "function_result"
	MsgPing           = "ping"
)

// Proxy-to-client message types not mirrored from upstream.
const (
	MsgConfigured = "configured"
	MsgPong       = "pong"
	MsgErrorFrame = "error"
)

// wireEvent is one upstream event as it travels the session's bounded
// queue: the parsed type for dispatch, the raw bytes for verbatim
// forwarding.
type wireEvent struct {
	Type string
	Raw  json.RawMessage
}

// clientMessage is the inbound envelope from the client channel.
type clientMessage struct {
	Type         string          `json:"type"`
	UserID       string          `json:"user_id,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Tools        []any           `json:"tools,omitempty"`
	Audio        string          `json:"audio,omitempty"`
	Text         string          `json:"text,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// functionCallDone is the parsed shape of a function_call_arguments.done
// upstream event.
type functionCallDone struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// sessionConfig is the session.update payload sent after configure,
// mirroring the realtime API schema: text+audio modalities, pcm16 both
// ways, and server-side VAD tuned at 0.5 threshold / 300ms padding /
// 500ms silence.
type sessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription map[string]any `json:"input_audio_transcription,omitempty"`
	TurnDetection           map[string]any `json:"turn_detection"`
	Tools                   []any          `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

func defaultTurnDetection() map[string]any {
	return map[string]any{
		"type":                "server_vad",
		"threshold":           0.5,
		"prefix_padding_ms":   300,
		"silence_duration_ms": 500,
	}
}
