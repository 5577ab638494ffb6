package engine

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

// Kind discriminates progress event variants on the wire.
type Kind string

const (
	KindTextDelta          Kind = "text_delta"
	KindToolCall           Kind = "tool_call"
	KindToolResult         Kind = "tool_result"
	KindSearchStarted      Kind = "search_started"
	KindSearchCompleted    Kind = "search_completed"
	KindSearchFailed       Kind = "search_failed"
	KindSelectionStarted   Kind = "selection_started"
	KindSelectionCompleted Kind = "selection_completed"
	KindSelectionFailed    Kind = "selection_failed"
	KindNotice             Kind = "notice"
	KindChatComplete       Kind = "chat_complete"
	KindChatError          Kind = "chat_error"
)

// Progress is the closed union of events the engine emits while a chat turn
// or a planning run is in flight. Values are immutable once emitted and
// arrive in pipeline order.
type Progress interface {
	Kind() Kind
	At() time.Time
	isProgress()
}

type base struct {
	Timestamp time.Time `json:"timestamp"`
}

func (b base) At() time.Time { return b.Timestamp }
func (base) isProgress()     {}

func now() base { return base{Timestamp: time.Now()} }

// TextDelta is a streamed fragment of the assistant's reply.
type TextDelta struct {
	base
	Text string `json:"text"`
}

func (TextDelta) Kind() Kind { return KindTextDelta }

// ToolCalled reports that the chat loop is executing a tool.
type ToolCalled struct {
	base
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (ToolCalled) Kind() Kind { return KindToolCall }

// ToolResult carries a tool's outcome back to the observer.
type ToolResult struct {
	base
	Name    string `json:"name"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// SearchStarted marks the beginning of one item's search in one store.
type SearchStarted struct {
	base
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	StoreID  string `json:"store_id"`
}

func (SearchStarted) Kind() Kind { return KindSearchStarted }

// SearchCompleted carries the candidates found for one item in one store.
// Count zero is an ordinary outcome, not a failure.
type SearchCompleted struct {
	base
	ItemID     string              `json:"item_id"`
	StoreID    string              `json:"store_id"`
	Count      int                 `json:"count"`
	Candidates []session.Candidate `json:"candidates,omitempty"`
}

func (SearchCompleted) Kind() Kind { return KindSearchCompleted }

// SearchFailed reports a backend error for one item in one store. The run
// continues with the next item.
type SearchFailed struct {
	base
	ItemID  string `json:"item_id"`
	StoreID string `json:"store_id"`
	Message string `json:"message"`
}

func (SearchFailed) Kind() Kind { return KindSearchFailed }

// SelectionStarted marks the matcher being asked to pick a candidate.
type SelectionStarted struct {
	base
	ItemID  string `json:"item_id"`
	StoreID string `json:"store_id"`
}

func (SelectionStarted) Kind() Kind { return KindSelectionStarted }

// SelectionCompleted carries the matcher's decision for one item.
type SelectionCompleted struct {
	base
	ItemID       string                `json:"item_id"`
	StoreID      string                `json:"store_id"`
	Selected     session.Candidate     `json:"selected"`
	Quantity     float64               `json:"quantity"`
	Reasoning    string                `json:"reasoning,omitempty"`
	Alternatives []session.Alternative `json:"alternatives,omitempty"`
}

func (SelectionCompleted) Kind() Kind { return KindSelectionCompleted }

// SelectionFailed reports that no usable selection was made for one item.
type SelectionFailed struct {
	base
	ItemID  string `json:"item_id"`
	StoreID string `json:"store_id"`
	Message string `json:"message"`
}

func (SelectionFailed) Kind() Kind { return KindSelectionFailed }

// Notice is a free-form system message for the observer.
type Notice struct {
	base
	Message string `json:"message"`
}

func (Notice) Kind() Kind { return KindNotice }

// ChatComplete ends a chat turn with the assistant's full reply.
type ChatComplete struct {
	base
	Text string `json:"text"`
}

func (ChatComplete) Kind() Kind { return KindChatComplete }

// ChatError ends a chat turn after a provider failure or the iteration cap.
type ChatError struct {
	base
	Message string `json:"message"`
}

func (ChatError) Kind() Kind { return KindChatError }

// Envelope is the serialized form of a progress event for transports that
// need an explicit discriminator next to the payload.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Envelop wraps p for the wire.
func Envelop(p Progress) (Envelope, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: p.Kind(), Payload: payload}, nil
}
