package core

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/fabiotheo/mcp-terminal/core/provider"
)

const (
	defaultMaxIterations   = 10
	defaultMaxExecution    = 60 * time.Second
	bashToolName           = "bash"
)

// toolChoiceKeywords triggers tool_choice=any when a turn's surface form
// strongly implies the model needs to inspect the system. Extensible list,
// matched case-insensitively.
var toolChoiceKeywords = []string{
	"service", "services", "log", "logs", "disk", "network", "container",
	"containers", "firewall", "process", "processes", "port", "ports",
	"memory", "cpu", "systemctl", "docker",
}

// ToolCallResult is what a ToolExecutor reports back for one bash(...) call.
type ToolCallResult struct {
	Content string // returned to the LLM as the tool_result content
	IsError bool
	Command string // the command actually run (post sudo-wrap), for the audit log
	Output  string // raw captured output, truncated, for progress rendering
}

// ToolExecutor is the slice of the tool-execution layer (blocklist, sudo
// wrapping, process spawn, truncation — see the tools package) that the
// orchestrator drives. Defined here so core never imports tools, mirroring
// the provider/SummaryStore "interface lives where it's consumed" pattern.
type ToolExecutor interface {
	Execute(ctx context.Context, call provider.ToolCall) ToolCallResult
}

// OrchestratorResult is the structure returned to the interaction loop once
// a turn settles: success, directAnswer, executedCommands, iterations,
// toolCalls, duration and token usage. Per-call tool results are not kept
// here; they are only emitted as ToolResultEvents while the loop runs.
type OrchestratorResult struct {
	Success          bool
	DirectAnswer     string
	ExecutedCommands []string
	ToolCalls        int
	Iterations       int
	Duration         time.Duration
	TokensUsed       int
}

// Orchestrator is the bounded tool-use loop (C4).
type Orchestrator struct {
	llm      provider.Provider
	tools    ToolExecutor
	model    string
	system   string
	sink     func(event any)

	maxIterations int
	maxExecution  time.Duration

	toolsEnabled bool
}

// NewOrchestrator builds C4. toolsEnabled gates whether the bash tool
// definition is ever offered to the LLM (iff
// use_native_tools||enable_bash_tool); when false the orchestrator always
// takes the fallback non-tool path.
func NewOrchestrator(llm provider.Provider, tools ToolExecutor, model, system string, toolsEnabled bool, sink func(event any)) *Orchestrator {
	return &Orchestrator{
		llm:           llm,
		tools:         tools,
		model:         model,
		system:        system,
		sink:          sink,
		maxIterations: defaultMaxIterations,
		maxExecution:  defaultMaxExecution,
		toolsEnabled:  toolsEnabled,
	}
}

func (o *Orchestrator) emit(event any) {
	if o.sink != nil {
		o.sink(event)
	}
}

// shouldForceTools applies the tool_choice heuristic.
func shouldForceTools(turn string) bool {
	lower := strings.ToLower(turn)
	for _, kw := range toolChoiceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var bashTool = provider.ToolDefinition{
	Name: bashToolName,
	Description: "Run a bash command on the local machine. You may issue multiple " +
		"bash calls in parallel within a single turn to reduce latency.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"timeout":     map[string]any{"type": "integer"},
		},
		"required": []string{"command"},
	},
}

// Run drives the bounded tool-use loop for one turn. aiCtx is the request's
// AI cancellation token (C2); cancelling it aborts the in-flight LLM call and
// any bash calls already dispatched for the current iteration.
func (o *Orchestrator) Run(aiCtx context.Context, messages []provider.Message) OrchestratorResult {
	start := time.Now()

	if !o.toolsEnabled || o.tools == nil {
		return o.runFallback(aiCtx, messages, start)
	}

	var executed []string
	toolCalls := 0
	iteration := 0
	tokensUsed := 0
	var finalText string

	for iteration < o.maxIterations {
		if time.Since(start) > o.maxExecution {
			break
		}

		toolChoice := "auto"
		if len(messages) > 0 && shouldForceTools(lastUserText(messages)) {
			toolChoice = "any"
		}

		stream, err := o.llm.Send(aiCtx, provider.Request{
			Model:      o.model,
			System:     o.system,
			Messages:   messages,
			Tools:      []provider.ToolDefinition{bashTool},
			ToolChoice: toolChoice,
		})
		if err != nil {
			o.emit(ErrorEvent{Error: err.Error()})
			return OrchestratorResult{Success: false, Iterations: iteration, ToolCalls: toolCalls, Duration: time.Since(start), TokensUsed: tokensUsed}
		}

		assistantMsg, toolUses, stopReason, text, usage, err := o.consumeStream(stream)
		tokensUsed += usage
		if err != nil {
			o.emit(ErrorEvent{Error: err.Error()})
			return OrchestratorResult{Success: false, Iterations: iteration, ToolCalls: toolCalls, Duration: time.Since(start), TokensUsed: tokensUsed}
		}

		if stopReason != "tool_use" || len(toolUses) == 0 {
			finalText = text
			break
		}

		messages = append(messages, assistantMsg)

		var results []provider.ToolResult
		for _, call := range toolUses {
			toolCalls++
			o.emit(ToolUseEvent{ToolCallID: call.ID, ToolName: call.Name, Input: formatToolInput(call.Input)})

			res := o.tools.Execute(aiCtx, call)
			executed = append(executed, res.Command)

			o.emit(ToolResultEvent{ToolCallID: call.ID, ToolName: call.Name, Result: res.Content, IsError: res.IsError})

			results = append(results, provider.ToolResult{ToolUseID: call.ID, Content: res.Content, IsError: res.IsError})
		}
		messages = append(messages, provider.Message{Role: provider.RoleUser, ToolResults: results})

		iteration++
	}

	if finalText == "" && iteration > 0 {
		var synthesisUsage int
		finalText, synthesisUsage = o.forceSynthesis(aiCtx, messages)
		tokensUsed += synthesisUsage
	}

	o.emit(CompletionEvent{})

	return OrchestratorResult{
		Success:          finalText != "",
		DirectAnswer:     finalText,
		ExecutedCommands: executed,
		ToolCalls:        toolCalls,
		Iterations:       iteration,
		Duration:         time.Since(start),
		TokensUsed:       tokensUsed,
	}
}

// runFallback handles providers/configurations without tool support (spec
// §4.4 "Fallback path"): a single non-tool text completion.
func (o *Orchestrator) runFallback(aiCtx context.Context, messages []provider.Message, start time.Time) OrchestratorResult {
	stream, err := o.llm.Send(aiCtx, provider.Request{Model: o.model, System: o.system, Messages: messages})
	if err != nil {
		o.emit(ErrorEvent{Error: err.Error()})
		return OrchestratorResult{Success: false, Duration: time.Since(start)}
	}
	_, _, _, text, usage, err := o.consumeStream(stream)
	if err != nil {
		o.emit(ErrorEvent{Error: err.Error()})
		return OrchestratorResult{Success: false, Duration: time.Since(start), TokensUsed: usage}
	}
	o.emit(CompletionEvent{})
	return OrchestratorResult{
		Success:          text != "",
		DirectAnswer:     text,
		ExecutedCommands: []string{},
		Duration:         time.Since(start),
		TokensUsed:       usage,
	}
}

// forceSynthesis asks the model once more with no tools to force a textual
// synthesis when the iteration budget runs out mid tool-use.
func (o *Orchestrator) forceSynthesis(aiCtx context.Context, messages []provider.Message) (string, int) {
	stream, err := o.llm.Send(aiCtx, provider.Request{Model: o.model, System: o.system, Messages: messages, ToolChoice: "none"})
	if err != nil {
		return "", 0
	}
	_, _, _, text, usage, err := o.consumeStream(stream)
	if err != nil {
		return "", 0
	}
	return text, usage
}

// consumeStream accumulates one streamed response into an assistant message,
// its tool_use blocks, the stop reason, the plain concatenated text, and the
// total token count reported on EventMessageStop (input + output).
func (o *Orchestrator) consumeStream(stream provider.StreamIterator) (provider.Message, []provider.ToolCall, string, string, int, error) {
	defer stream.Close()

	var text strings.Builder
	var toolUses []provider.ToolCall
	pending := map[string]*strings.Builder{}
	pendingNames := map[string]string{}
	var order []string
	stopReason := "end_turn"
	tokensUsed := 0

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return provider.Message{}, nil, "", "", tokensUsed, err
		}

		switch chunk.Event {
		case provider.EventTextDelta:
			text.WriteString(chunk.Text)
			o.emit(TokenEvent{Text: chunk.Text})
		case provider.EventToolStart:
			pending[chunk.ToolCallID] = &strings.Builder{}
			pendingNames[chunk.ToolCallID] = chunk.ToolName
			order = append(order, chunk.ToolCallID)
		case provider.EventToolDelta:
			if b, ok := pending[chunk.ToolCallID]; ok {
				b.WriteString(chunk.InputDelta)
			}
		case provider.EventToolEnd:
			// input JSON fully accumulated; parsed by the caller via formatToolInput/tools package.
		case provider.EventMessageStop:
			stopReason = chunk.StopReason
			if chunk.Usage != nil {
				tokensUsed = chunk.Usage.InputTokens + chunk.Usage.OutputTokens
			}
		}
	}

	for _, id := range order {
		toolUses = append(toolUses, provider.ToolCall{
			ID:    id,
			Name:  pendingNames[id],
			Input: parseToolInput(pending[id].String()),
		})
	}

	assistantMsg := provider.Message{
		Role:      provider.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolUses,
	}
	return assistantMsg, toolUses, stopReason, text.String(), tokensUsed, nil
}

func lastUserText(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}
