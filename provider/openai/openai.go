package openai_provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/karzina/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// client implements the provider interface using OpenAI's chat completions API
type client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates a new OpenAI chat client.
func NewClient(apiKey, baseURL, model string, temperature float64, maxTokens int, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// SupportsToolCalling is true for all chat-completions models we route to.
func (c *client) SupportsToolCalling() bool { return true }

// Chat sends the conversation to OpenAI. With onDelta set the request is
// streamed and text fragments are forwarded as they arrive; tool call
// fragments are accumulated and returned whole either way.
func (c *client) Chat(ctx context.Context, messages []models.Message, tools []models.Tool, onDelta func(string)) (models.ChatResult, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(messages),
		Tools:       toWireTools(tools),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      onDelta != nil,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return models.ChatResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return models.ChatResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ChatResult{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.ChatResult{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if onDelta != nil {
		return c.readStream(resp.Body, onDelta)
	}

	var openaiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return models.ChatResult{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return models.ChatResult{}, fmt.Errorf("no choices in response")
	}
	choice := openaiResp.Choices[0].Message
	return models.ChatResult{
		Text:      choice.Content,
		ToolCalls: fromWireToolCalls(choice.ToolCalls),
	}, nil
}

// streamChunk is one SSE data frame of a streamed completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *client) readStream(body io.Reader, onDelta func(string)) (models.ChatResult, error) {
	var text strings.Builder
	// tool call fragments arrive keyed by index; arguments accumulate
	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partial)
	maxIndex := -1

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed keep-alive frames
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			onDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			p, ok := partials[tc.Index]
			if !ok {
				p = &partial{}
				partials[tc.Index] = p
			}
			if tc.Index > maxIndex {
				maxIndex = tc.Index
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return models.ChatResult{}, fmt.Errorf("stream read failed: %w", err)
	}

	result := models.ChatResult{Text: text.String()}
	for i := 0; i <= maxIndex; i++ {
		p, ok := partials[i]
		if !ok {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(p.args.String()),
		})
	}
	return result, nil
}

func toWireMessages(messages []models.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.ID = tc.ID
			w.Type = "function"
			w.Function.Name = tc.Name
			w.Function.Arguments = string(tc.Arguments)
			out[i].ToolCalls = append(out[i].ToolCalls, w)
		}
	}
	return out
}

func toWireTools(tools []models.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i].Type = "function"
		out[i].Function.Name = t.Name
		out[i].Function.Description = t.Description
		out[i].Function.Parameters = t.Parameters
	}
	return out
}

func fromWireToolCalls(calls []wireToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = models.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: json.RawMessage(c.Function.Arguments),
		}
	}
	return out
}
