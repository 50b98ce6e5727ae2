// Package anthropic implements the Provider contract over the Anthropic
// Messages API: system prompt as a top-level field, tool calls as tool_use
// blocks, tool results as tool_result blocks in user messages.
package anthropic

import "encoding/json"

// --- Request types ---

// MessagesRequest is the Messages API request body.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	StopSeqs    []string  `json:"stop_sequences,omitempty"`
}

// Message is one conversation turn. Content is always a block list.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one typed block: text, tool_use, or tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- Response types ---

// MessagesResponse is the non-streaming Messages API response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage carries the API's token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event payloads ---

// streamEvent is the union of the SSE event payloads this adapter consumes:
// message_start, content_block_start, content_block_delta, message_delta,
// message_stop, and error.
type streamEvent struct {
	Type string `json:"type"`

	Message *MessagesResponse `json:"message,omitempty"` // message_start

	Index        int           `json:"index"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"` // content_block_start
	Delta        *streamDelta  `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"` // message_delta

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamDelta carries the incremental payloads: text_delta fragments,
// input_json_delta fragments for tool arguments, and the final stop_reason.
type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}
