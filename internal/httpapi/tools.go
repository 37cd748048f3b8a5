package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neosignal/assistantproxy/internal/pipeline"
)

// PipelineToolExecutor backs the streaming session's tool calls with the
// command pipeline: the model asks for run_command, the proxy runs the
// full pipeline as a text turn and hands the result back.
type PipelineToolExecutor struct {
	orchestrator *pipeline.Orchestrator
}

func NewPipelineToolExecutor(orchestrator *pipeline.Orchestrator) *PipelineToolExecutor {
	return &PipelineToolExecutor{orchestrator: orchestrator}
}

// RunCommandTool is the tool name the session advertises to the model.
const RunCommandTool = "run_command"

func (e *PipelineToolExecutor) ExecuteTool(ctx context.Context, userID, name, arguments string) (any, error) {
	if name != RunCommandTool {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("tool arguments are not valid JSON: %w", err)
	}
	if args.Command == "" {
		return nil, fmt.Errorf("tool call is missing the command argument")
	}

	response := e.orchestrator.Process(ctx, pipeline.Request{
		UserID:  userID,
		Command: args.Command,
		Channel: pipeline.ChannelVoice,
		// Voice comes from the realtime channel itself; no TTS here.
		IncludeAudio: false,
	})

	out := map[string]any{
		"response": response.Text,
		"intent":   response.Intent,
	}
	if response.Execution != nil {
		out["success"] = response.Execution.Success
		if response.Execution.NeedsConfirmation {
			out["needs_confirmation"] = true
		}
	}
	return out, nil
}
