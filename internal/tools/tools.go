// Package tools runs the function-calling round trip. Tool calls are
// extracted from the first completion (structured or JSON-in-text), routed
// to their implementations, and a single follow-up completion folds the
// outputs back into the conversation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	gateway "github.com/sigil-ai/sigil/internal"
)

// ToolCall mirrors the OpenAI tool call object.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the called function; Arguments is a JSON string.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Completer issues the follow-up completion. Satisfied by the upstream
// dispatcher.
type Completer interface {
	Complete(ctx context.Context, endpoint string, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
}

// Sandbox executes model-written code.
type Sandbox interface {
	ExecutePython(ctx context.Context, code string) (string, error)
}

// Runner executes the tool workflow for one request.
type Runner struct {
	llm     Completer
	sandbox Sandbox
	log     *slog.Logger
}

// NewRunner builds a Runner.
func NewRunner(llm Completer, sandbox Sandbox, log *slog.Logger) *Runner {
	return &Runner{llm: llm, sandbox: sandbox, log: log}
}

// Run inspects the first completion for tool calls and, when present, runs
// them and issues one follow-up completion with tool outputs and
// tool_choice "none". The returned completion carries the summed usage of
// both rounds. Without tool calls the first completion is returned as-is.
func (r *Runner) Run(ctx context.Context, endpoint string, req *gateway.ChatRequest, first *gateway.ChatResponse) (*gateway.ChatResponse, error) {
	if len(first.Choices) == 0 {
		return first, nil
	}
	calls := ExtractToolCalls(first.Choices[0].Message)
	if len(calls) == 0 {
		return first, nil
	}

	r.log.LogAttrs(ctx, slog.LevelInfo, "executing tool calls",
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
		slog.Int("count", len(calls)))

	messages := make([]gateway.Message, 0, len(req.Messages)+1+len(calls))
	messages = append(messages, req.Messages...)
	assistant, err := assistantToolCallMessage(calls)
	if err != nil {
		return nil, fmt.Errorf("tools: build assistant message: %w", err)
	}
	messages = append(messages, assistant)

	for _, call := range calls {
		msg, err := r.execute(ctx, call)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	followUp := &gateway.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		ToolChoice:  json.RawMessage(`"none"`),
	}
	second, err := r.llm.Complete(ctx, endpoint, followUp)
	if err != nil {
		return nil, fmt.Errorf("tools: follow-up completion: %w", err)
	}

	usage := &gateway.Usage{}
	usage.Add(first.Usage)
	usage.Add(second.Usage)
	second.Usage = usage
	return second, nil
}

// execute routes one tool call and wraps its output as a tool message.
// Unknown tools report their absence to the model instead of failing the
// request.
func (r *Runner) execute(ctx context.Context, call ToolCall) (gateway.Message, error) {
	name := call.Function.Name
	if name != "execute_python" {
		return toolMessage(call, fmt.Sprintf("Tool '%s' not implemented", name)), nil
	}

	var args struct {
		Code string `json:"code"`
	}
	// Malformed arguments run as empty code.
	_ = json.Unmarshal([]byte(call.Function.Arguments), &args)

	out, err := r.sandbox.ExecutePython(ctx, args.Code)
	if err != nil {
		return gateway.Message{}, fmt.Errorf("tools: execute_python: %w", err)
	}
	return toolMessage(call, out), nil
}

func toolMessage(call ToolCall, content string) gateway.Message {
	m := gateway.NewTextMessage("tool", content)
	m.Name = call.Function.Name
	m.ToolCallID = call.ID
	return m
}

func assistantToolCallMessage(calls []ToolCall) (gateway.Message, error) {
	raw, err := json.Marshal(calls)
	if err != nil {
		return gateway.Message{}, err
	}
	return gateway.Message{Role: "assistant", ToolCalls: raw}, nil
}

// ExtractToolCalls normalizes a completion message into tool calls. The
// structured tool_calls field wins; otherwise the content is parsed as
// JSON, accepting {"function":{"name","parameters"}}, {"name","arguments"}
// and {"tool",...} shapes emitted by models without native tool support.
func ExtractToolCalls(msg gateway.Message) []ToolCall {
	if len(msg.ToolCalls) > 0 && string(msg.ToolCalls) != "null" {
		var calls []ToolCall
		if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil && len(calls) > 0 {
			return calls
		}
	}

	content := gateway.ExtractText(msg)
	if content == "" {
		return nil
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil
	}

	var name string
	var args any

	var fn struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if raw, ok := data["function"]; ok && json.Unmarshal(raw, &fn) == nil && fn.Name != "" {
		name = fn.Name
		args = rawToValue(fn.Parameters)
	} else {
		name = firstString(data, "name", "tool", "function_name")
		args = parseLooseArgs(data)
	}
	if name == "" {
		return nil
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return []ToolCall{{
		ID:       "call_" + uuid.NewString(),
		Type:     "function",
		Function: ToolFunction{Name: name, Arguments: string(argsJSON)},
	}}
}

func firstString(data map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if raw, ok := data[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

// parseLooseArgs pulls arguments out of either "arguments" (possibly a
// JSON-encoded string) or "parameters".
func parseLooseArgs(data map[string]json.RawMessage) any {
	if raw, ok := data["arguments"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			var parsed any
			if json.Unmarshal([]byte(s), &parsed) == nil && parsed != nil {
				return parsed
			}
		} else if v := rawToValue(raw); v != nil {
			return v
		}
	}
	if raw, ok := data["parameters"]; ok {
		if v := rawToValue(raw); v != nil {
			return v
		}
	}
	return map[string]any{}
}

func rawToValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return map[string]any{}
	}
	return v
}
