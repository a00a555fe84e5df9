package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

func TestExtractToolCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      gateway.Message
		wantName string
		wantArgs string
		wantNone bool
	}{
		{
			name: "structured tool_calls",
			msg: gateway.Message{
				Role:      "assistant",
				ToolCalls: json.RawMessage(`[{"id":"call_1","type":"function","function":{"name":"execute_python","arguments":"{\"code\":\"1+1\"}"}}]`),
			},
			wantName: "execute_python",
			wantArgs: `{"code":"1+1"}`,
		},
		{
			name:     "function with parameters",
			msg:      gateway.NewTextMessage("assistant", `{"function":{"name":"execute_python","parameters":{"code":"print(2)"}}}`),
			wantName: "execute_python",
			wantArgs: `{"code":"print(2)"}`,
		},
		{
			name:     "name with string arguments",
			msg:      gateway.NewTextMessage("assistant", `{"name":"execute_python","arguments":"{\"code\":\"x\"}"}`),
			wantName: "execute_python",
			wantArgs: `{"code":"x"}`,
		},
		{
			name:     "tool key",
			msg:      gateway.NewTextMessage("assistant", `{"tool":"lookup","parameters":{"q":"go"}}`),
			wantName: "lookup",
			wantArgs: `{"q":"go"}`,
		},
		{
			name:     "plain text",
			msg:      gateway.NewTextMessage("assistant", "just an answer"),
			wantNone: true,
		},
		{
			name:     "json without name",
			msg:      gateway.NewTextMessage("assistant", `{"parameters":{"q":1}}`),
			wantNone: true,
		},
		{
			name:     "json array content",
			msg:      gateway.NewTextMessage("assistant", `[1,2,3]`),
			wantNone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := ExtractToolCalls(tt.msg)
			if tt.wantNone {
				if len(calls) != 0 {
					t.Fatalf("calls = %+v, want none", calls)
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(calls))
			}
			if calls[0].Function.Name != tt.wantName {
				t.Errorf("name = %q, want %q", calls[0].Function.Name, tt.wantName)
			}
			if calls[0].Function.Arguments != tt.wantArgs {
				t.Errorf("arguments = %s, want %s", calls[0].Function.Arguments, tt.wantArgs)
			}
			if calls[0].ID == "" || calls[0].Type != "function" {
				t.Errorf("call = %+v, want generated id and function type", calls[0])
			}
		})
	}
}

type fakeSandbox struct {
	out     string
	err     error
	gotCode string
}

func (f *fakeSandbox) ExecutePython(_ context.Context, code string) (string, error) {
	f.gotCode = code
	return f.out, f.err
}

type fakeLLM struct {
	resp   *gateway.ChatResponse
	err    error
	gotReq *gateway.ChatRequest
	calls  int
}

func (f *fakeLLM) Complete(_ context.Context, _ string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.calls++
	f.gotReq = req
	return f.resp, f.err
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRunNoToolCalls(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	r := NewRunner(llm, &fakeSandbox{}, discard())
	first := &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", "plain answer")}},
		Usage:   &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
	got, err := r.Run(context.Background(), "http://b", &gateway.ChatRequest{Model: "m"}, first)
	if err != nil {
		t.Fatal(err)
	}
	if got != first || llm.calls != 0 {
		t.Errorf("got %+v calls=%d, want first response untouched", got, llm.calls)
	}
}

func TestRunExecutesAndFollowsUp(t *testing.T) {
	t.Parallel()

	sandbox := &fakeSandbox{out: "42\n"}
	llm := &fakeLLM{resp: &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", "The answer is 42."), FinishReason: "stop"}},
		Usage:   &gateway.Usage{PromptTokens: 30, CompletionTokens: 10, TotalTokens: 40},
	}}
	r := NewRunner(llm, sandbox, discard())

	req := &gateway.ChatRequest{
		Model:    "m",
		Messages: []gateway.Message{gateway.NewTextMessage("user", "run 6*7")},
	}
	first := &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant",
			`{"function":{"name":"execute_python","parameters":{"code":"print(6*7)"}}}`)}},
		Usage: &gateway.Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35},
	}

	final, err := r.Run(context.Background(), "http://b", req, first)
	if err != nil {
		t.Fatal(err)
	}
	if sandbox.gotCode != "print(6*7)" {
		t.Errorf("code = %q", sandbox.gotCode)
	}
	if final.Usage.PromptTokens != 50 || final.Usage.CompletionTokens != 25 || final.Usage.TotalTokens != 75 {
		t.Errorf("usage = %+v, want summed rounds", final.Usage)
	}

	// Follow-up carries user msg, assistant tool_calls, tool output, and
	// disables further tool use.
	msgs := llm.gotReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("follow-up messages = %d, want 3", len(msgs))
	}
	if len(msgs[1].ToolCalls) == 0 || msgs[1].Role != "assistant" {
		t.Errorf("messages[1] = %+v, want assistant tool_calls", msgs[1])
	}
	if msgs[2].Role != "tool" || gateway.ExtractText(msgs[2]) != "42\n" {
		t.Errorf("messages[2] = %+v", msgs[2])
	}
	if string(llm.gotReq.ToolChoice) != `"none"` {
		t.Errorf("tool_choice = %s", llm.gotReq.ToolChoice)
	}
}

func TestRunUnknownTool(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{resp: &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", "ok")}},
	}}
	r := NewRunner(llm, &fakeSandbox{}, discard())

	req := &gateway.ChatRequest{Model: "m", Messages: []gateway.Message{gateway.NewTextMessage("user", "q")}}
	first := &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", `{"tool":"fetch_weather","parameters":{}}`)}},
	}
	if _, err := r.Run(context.Background(), "http://b", req, first); err != nil {
		t.Fatal(err)
	}
	toolMsg := llm.gotReq.Messages[2]
	if got := gateway.ExtractText(toolMsg); !strings.Contains(got, "'fetch_weather' not implemented") {
		t.Errorf("tool message = %q", got)
	}
}

func TestRunSandboxFailure(t *testing.T) {
	t.Parallel()

	r := NewRunner(&fakeLLM{}, &fakeSandbox{err: errors.New("sandbox down")}, discard())
	req := &gateway.ChatRequest{Model: "m", Messages: []gateway.Message{gateway.NewTextMessage("user", "q")}}
	first := &gateway.ChatResponse{
		Choices: []gateway.Choice{{Message: gateway.NewTextMessage("assistant", `{"name":"execute_python","arguments":"{}"}`)}},
	}
	if _, err := r.Run(context.Background(), "http://b", req, first); err == nil {
		t.Error("want error when sandbox fails")
	}
}

func TestHTTPSandbox(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in executeRequest
		json.NewDecoder(r.Body).Decode(&in)
		switch in.Code {
		case "boom":
			json.NewEncoder(w).Encode(executeResponse{Error: "NameError"})
		case "quiet":
			json.NewEncoder(w).Encode(executeResponse{Stdout: "from stdout"})
		default:
			json.NewEncoder(w).Encode(executeResponse{Output: "6"})
		}
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPSandbox(srv.URL, time.Second)
	ctx := context.Background()

	out, err := s.ExecutePython(ctx, "2*3")
	if err != nil || out != "6" {
		t.Errorf("out = %q err = %v", out, err)
	}
	out, err = s.ExecutePython(ctx, "quiet")
	if err != nil || out != "from stdout" {
		t.Errorf("out = %q err = %v", out, err)
	}
	if _, err := s.ExecutePython(ctx, "boom"); err == nil || !strings.Contains(err.Error(), "NameError") {
		t.Errorf("err = %v, want sandbox failure", err)
	}
}

func ExampleExtractToolCalls() {
	msg := gateway.NewTextMessage("assistant", `{"name":"execute_python","arguments":"{\"code\":\"print(1)\"}"}`)
	calls := ExtractToolCalls(msg)
	fmt.Println(calls[0].Function.Name, calls[0].Function.Arguments)
	// Output: execute_python {"code":"print(1)"}
}
