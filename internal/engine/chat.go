package engine

import (
	"context"
	"log"
	"sync"

	"github.com/mohammad-safakhou/karzina/models"
	"github.com/mohammad-safakhou/karzina/internal/telemetry"
	"github.com/mohammad-safakhou/karzina/internal/tools"
	"github.com/mohammad-safakhou/karzina/provider"
)

// maxToolIterations bounds the tool-use loop within one user turn.
const maxToolIterations = 10

const chatSystemPrompt = `You are a helpful grocery shopping assistant. The user builds a shopping list by talking to you.

RULES:
1. Be conversational and friendly, not technical.
2. Use the edit_basket tool for every change to the list; never claim to have changed the list without calling it.
3. Use query_purchases when the user refers to what they bought before.
4. Confirm what you changed in plain language and show the resulting list.
5. Never mention JSON, tools, or technical terms to the user.`

// ChatLoop drives the tool-augmented conversation that edits the draft list.
// One history is kept per session; access is serialized per call.
type ChatLoop struct {
	provider  provider.Provider
	tools     *tools.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	mu        sync.Mutex
	histories map[string][]models.Message
}

func NewChatLoop(p provider.Provider, registry *tools.Registry, tele *telemetry.Telemetry, logger *log.Logger) *ChatLoop {
	if logger == nil {
		logger = log.New(log.Writer(), "[CHAT] ", log.LstdFlags)
	}
	return &ChatLoop{
		provider:  p,
		tools:     registry,
		telemetry: tele,
		logger:    logger,
		histories: make(map[string][]models.Message),
	}
}

// Reset drops the conversation history for a session.
func (c *ChatLoop) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, sessionID)
}

// Send processes one user message: it loops provider calls and tool
// executions until the model produces a plain answer, the iteration cap is
// hit, or the provider fails. Every step is reported through emit; the turn
// ends with ChatComplete or ChatError, unless the context is cancelled, in
// which case it ends silently.
func (c *ChatLoop) Send(ctx context.Context, sessionID, userMessage string, emit func(Progress)) {
	c.mu.Lock()
	c.histories[sessionID] = append(c.histories[sessionID], models.Message{Role: "user", Content: userMessage})
	c.mu.Unlock()

	iterations := 0
	defer func() { c.telemetry.ObserveChatTurn(iterations) }()

	for ; iterations < maxToolIterations; iterations++ {
		msgs := c.snapshot(sessionID)

		resp, err := c.provider.Chat(ctx, msgs, c.tools.Definitions(), func(delta string) {
			emit(TextDelta{base: now(), Text: delta})
		})
		if err != nil {
			// Cancellation ends the turn without a synthetic error event.
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("provider failed on turn for %s: %v", sessionID, err)
			emit(ChatError{base: now(), Message: err.Error()})
			return
		}

		if len(resp.ToolCalls) == 0 {
			c.append(sessionID, models.Message{Role: "assistant", Content: resp.Text})
			emit(ChatComplete{base: now(), Text: resp.Text})
			return
		}

		c.append(sessionID, models.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			emit(ToolCalled{base: now(), Name: tc.Name, Arguments: tc.Arguments})

			result, err := c.tools.Execute(ctx, sessionID, tc.Name, tc.Arguments)
			c.telemetry.ObserveToolCall(tc.Name, err)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				result = "error: " + err.Error()
			}
			emit(ToolResult{base: now(), Name: tc.Name, Result: result, Success: err == nil})
			c.append(sessionID, models.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	emit(ChatError{base: now(), Message: "max tool iterations exceeded"})
}

// snapshot builds [system prompt] + history for the provider call.
func (c *ChatLoop) snapshot(sessionID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.histories[sessionID]
	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, models.Message{Role: "system", Content: chatSystemPrompt})
	return append(msgs, history...)
}

func (c *ChatLoop) append(sessionID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[sessionID] = append(c.histories[sessionID], msg)
}
