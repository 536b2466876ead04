// agent.go implements the orchestrator: the tool-use loop between the
// model and the tool registry, in plain and streaming forms.
package copilot

import (
	"context"
	"log/slog"
)

// maxToolIterations caps the tool-use loop per turn.
const maxToolIterations = 10

// tooManyToolCalls is the terminal message when the cap is hit.
const tooManyToolCalls = "I made too many tool calls in a row and stopped before finishing. Ask me to continue if you want me to keep going."

// Orchestrator drives conversations: it submits requests, executes the
// tools the model asks for, and loops until the model produces text.
type Orchestrator struct {
	llm    *LLMClient
	tools  *Registry
	logger *slog.Logger
}

func NewOrchestrator(llm *LLMClient, tools *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:    llm,
		tools:  tools,
		logger: logger.With("component", "orchestrator"),
	}
}

// ChatResult is the outcome of one conversation turn.
type ChatResult struct {
	Text      string
	ToolsUsed []ToolUseRecord
	// History is the working history including any tool_use/tool_result
	// pairs this turn produced, ending with the final assistant message.
	History []chatMessage
}

// Chat runs one full turn: submit, execute requested tools, re-submit,
// until the model stops asking for tools or the iteration cap is hit.
func (o *Orchestrator) Chat(ctx context.Context, history []chatMessage, system, modelAlias string, thinking ThinkingLevel) (*ChatResult, error) {
	working := make([]chatMessage, len(history))
	copy(working, history)

	resp, err := o.llm.Complete(ctx, CallParams{
		ModelAlias: modelAlias,
		System:     system,
		Messages:   working,
		Tools:      o.tools.Definitions(),
		Thinking:   thinking,
	})
	if err != nil {
		return nil, err
	}
	return o.runToolLoop(ctx, working, system, modelAlias, resp, nil)
}

// ChatStream runs one turn with streamed text. If the stream ends in a
// tool request, the loop finishes non-streaming with thinking disabled.
func (o *Orchestrator) ChatStream(ctx context.Context, history []chatMessage, system, modelAlias string, thinking ThinkingLevel, cb StreamCallback) (*ChatResult, error) {
	working := make([]chatMessage, len(history))
	copy(working, history)

	resp, err := o.llm.CompleteStream(ctx, CallParams{
		ModelAlias: modelAlias,
		System:     system,
		Messages:   working,
		Tools:      o.tools.Definitions(),
		Thinking:   thinking,
	}, cb)
	if err != nil {
		return nil, err
	}
	return o.runToolLoop(ctx, working, system, modelAlias, resp, cb)
}

// runToolLoop continues a turn whose first response is already in hand.
// Continuation requests disable thinking: providers reject thinking
// budgets on tool-result turns.
func (o *Orchestrator) runToolLoop(ctx context.Context, working []chatMessage, system, modelAlias string, resp *LLMResponse, cb StreamCallback) (*ChatResult, error) {
	var used []ToolUseRecord

	for iteration := 0; resp.StopReason == "tool_use" && len(resp.ToolCalls) > 0; iteration++ {
		if iteration >= maxToolIterations {
			o.logger.Warn("tool loop cap reached", "iterations", iteration)
			working = append(working, textMessage("assistant", tooManyToolCalls))
			return &ChatResult{Text: tooManyToolCalls, ToolsUsed: used, History: working}, nil
		}

		o.logger.Debug("executing tool calls", "iteration", iteration, "count", len(resp.ToolCalls))
		resultBlocks, records := o.tools.ExecuteAll(ctx, resp.ToolCalls)
		used = append(used, records...)

		// Assistant message verbatim, block order preserved, then the
		// tool results in the same order as the tool_use blocks.
		working = append(working,
			chatMessage{Role: "assistant", Content: resp.Blocks},
			chatMessage{Role: "user", Content: resultBlocks},
		)

		var err error
		resp, err = o.llm.Complete(ctx, CallParams{
			ModelAlias: modelAlias,
			System:     system,
			Messages:   working,
			Tools:      o.tools.Definitions(),
			Thinking:   ThinkingOff,
		})
		if err != nil {
			return nil, err
		}
		// Text produced after a tool round never went through the
		// stream; forward it so streaming callers see the full answer.
		if cb != nil && resp.StopReason != "tool_use" && resp.Content != "" {
			cb(resp.Content)
		}
	}

	working = append(working, chatMessage{Role: "assistant", Content: resp.Blocks})
	return &ChatResult{Text: resp.Content, ToolsUsed: used, History: working}, nil
}
