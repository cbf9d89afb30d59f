package worker

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind is the closed set of task types a worker can be assigned.
type Kind int

const (
	// KindConversation drives the upstream chat UI and streams the reply back.
	KindConversation Kind = iota
	// KindFetch performs a generic in-page fetch on behalf of the caller.
	KindFetch
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConversation:
		return "conversation"
	case KindFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name into a kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "fetch":
		*k = KindFetch
	default:
		*k = KindConversation
	}
	return nil
}

// Task is one unit of work sent to exactly one worker.
type Task struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Full upstream request payload the worker replays in-page.
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// Correlation identifiers for matching streamed network chunks.
	ExpectedURL     string `json:"expectedUrl"`
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Model           string `json:"model,omitempty"`
}

// NewConversationTask builds a conversation task with a fresh id.
func NewConversationTask(method, path string, body json.RawMessage, expectedURL string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Kind:        KindConversation,
		Method:      method,
		Path:        path,
		Body:        body,
		ExpectedURL: expectedURL,
	}
}
