// Package openai defines the OpenAI-compatible wire types the gateway
// accepts from clients and forwards to upstream providers.
package openai

import "encoding/json"

// Message represents a single chat message
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// TextMessage builds a plain-text chat message
func TextMessage(role, text string) Message {
	data, _ := json.Marshal(text)
	return Message{Role: role, Content: data}
}

// ContentText returns the message content as plain text when it is a JSON
// string; structured content returns its raw JSON form.
func (m Message) ContentText() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// ChatCompletionRequest represents a POST /v1/chat/completions body.
// Unknown fields are preserved by the proxy's raw-body rewrite, so this
// struct only names the fields the gateway itself inspects.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`

	// Multi-model collaboration extensions
	Models     []string `json:"models,omitempty"`
	CollabMode string   `json:"collab_mode,omitempty"`
}

// Usage represents upstream token accounting
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice represents a single completion choice
type Choice struct {
	Index        int             `json:"index"`
	Message      *ChoiceMessage  `json:"message,omitempty"`
	Delta        *ChoiceMessage  `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// ChoiceMessage represents the message (or streaming delta) inside a choice
type ChoiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionResponse represents a buffered chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamChunk represents a single SSE data frame payload
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Model represents one entry of GET /v1/models
type Model struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	Created         int64   `json:"created"`
	OwnedBy         string  `json:"owned_by"`
	TokenMultiplier float64 `json:"token_multiplier"`
	Endpoint        string  `json:"endpoint"`
}

// ModelList represents the GET /v1/models response
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorBody represents the OpenAI-style error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error fields clients switch on
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// SpeechRequest represents a POST /v1/audio/speech body
type SpeechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice,omitempty"`
}
