package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/karzina/internal/tools"
	"github.com/mohammad-safakhou/karzina/models"
)

// loopingProvider always answers with the same tool call.
type loopingProvider struct {
	calls int
}

func (p *loopingProvider) Chat(ctx context.Context, messages []models.Message, defs []models.Tool, onDelta func(string)) (models.ChatResult, error) {
	p.calls++
	return models.ChatResult{ToolCalls: []models.ToolCall{{
		ID:        "call_x",
		Name:      "noop",
		Arguments: json.RawMessage(`{}`),
	}}}, nil
}

func (p *loopingProvider) SupportsToolCalling() bool { return true }

type noopTool struct{}

func (noopTool) Definition() models.Tool {
	return models.Tool{Name: "noop", Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (noopTool) Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error) {
	return "done", nil
}

func lastEvent(events []Progress) Progress {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func TestChatPlainReply(t *testing.T) {
	p := &providerStub{toolCalling: true, results: []models.ChatResult{{Text: "Added nothing, just saying hi."}}}
	loop := NewChatLoop(p, tools.NewRegistry(), nil, nil)

	var events []Progress
	loop.Send(context.Background(), "s1", "hello", func(ev Progress) { events = append(events, ev) })

	done, ok := lastEvent(events).(ChatComplete)
	if !ok {
		t.Fatalf("turn must end with chat_complete, got %T", lastEvent(events))
	}
	if done.Text != "Added nothing, just saying hi." {
		t.Fatalf("unexpected final text %q", done.Text)
	}
	if p.calls != 1 {
		t.Fatalf("expected one provider call, got %d", p.calls)
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	p := &providerStub{toolCalling: true, results: []models.ChatResult{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "noop", Arguments: json.RawMessage(`{}`)}}},
		{Text: "All done."},
	}}
	loop := NewChatLoop(p, tools.NewRegistry(noopTool{}), nil, nil)

	var events []Progress
	loop.Send(context.Background(), "s1", "do a thing", func(ev Progress) { events = append(events, ev) })

	kinds := collectKinds(events)
	want := []Kind{KindToolCall, KindToolResult, KindChatComplete}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	tr := events[1].(ToolResult)
	if !tr.Success || tr.Result != "done" {
		t.Fatalf("unexpected tool result %+v", tr)
	}
}

func TestChatIterationCap(t *testing.T) {
	p := &loopingProvider{}
	loop := NewChatLoop(p, tools.NewRegistry(noopTool{}), nil, nil)

	var events []Progress
	loop.Send(context.Background(), "s1", "loop forever", func(ev Progress) { events = append(events, ev) })

	fail, ok := lastEvent(events).(ChatError)
	if !ok {
		t.Fatalf("runaway turn must end with chat_error, got %T", lastEvent(events))
	}
	if fail.Message != "max tool iterations exceeded" {
		t.Fatalf("unexpected message %q", fail.Message)
	}
	if p.calls != maxToolIterations {
		t.Fatalf("expected %d provider calls, got %d", maxToolIterations, p.calls)
	}
}

func TestChatProviderFailure(t *testing.T) {
	p := &providerStub{toolCalling: true, err: errors.New("rate limited")}
	loop := NewChatLoop(p, tools.NewRegistry(), nil, nil)

	var events []Progress
	loop.Send(context.Background(), "s1", "hello", func(ev Progress) { events = append(events, ev) })

	fail, ok := lastEvent(events).(ChatError)
	if !ok {
		t.Fatalf("provider failure must end with chat_error, got %T", lastEvent(events))
	}
	if fail.Message != "rate limited" {
		t.Fatalf("unexpected message %q", fail.Message)
	}
}

func TestChatCancellationEndsTurnWithoutChatError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &providerStub{toolCalling: true, err: context.Canceled}
	loop := NewChatLoop(p, tools.NewRegistry(), nil, nil)

	var events []Progress
	loop.Send(ctx, "s1", "hello", func(ev Progress) { events = append(events, ev) })

	for _, ev := range events {
		if _, ok := ev.(ChatError); ok {
			t.Fatalf("cancellation must not surface as chat_error")
		}
	}
}

func TestChatUnknownToolReportsError(t *testing.T) {
	p := &providerStub{toolCalling: true, results: []models.ChatResult{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "does_not_exist", Arguments: json.RawMessage(`{}`)}}},
		{Text: "Recovered."},
	}}
	loop := NewChatLoop(p, tools.NewRegistry(noopTool{}), nil, nil)

	var events []Progress
	loop.Send(context.Background(), "s1", "hmm", func(ev Progress) { events = append(events, ev) })

	var sawFailedResult bool
	for _, ev := range events {
		if tr, ok := ev.(ToolResult); ok && !tr.Success {
			sawFailedResult = true
		}
	}
	if !sawFailedResult {
		t.Fatalf("hallucinated tool must produce a failed tool_result")
	}
	if _, ok := lastEvent(events).(ChatComplete); !ok {
		t.Fatalf("turn should recover and complete, got %T", lastEvent(events))
	}
}
