// Package proxy forwards requests to upstream providers, relaying SSE
// streams verbatim while extracting token usage, and classifying upstream
// failures for the fallback handler.
package proxy

import (
	"encoding/json"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/openai"
)

// TokenStrategy selects how tokens are extracted from an upstream response
type TokenStrategy int

const (
	// TokensFromUsage reads usage fields, falling back to a char estimate
	TokensFromUsage TokenStrategy = iota
	// TokensFixedOne accounts a flat 1 token (image generations)
	TokensFixedOne
	// TokensFromTranscription reads ⌈len(text)/4⌉ from the response
	TokensFromTranscription
	// TokensFromSpeechInput counts the characters of the request input
	TokensFromSpeechInput
)

// Descriptor parameterizes the shared endpoint forwarder
type Descriptor struct {
	Path     string
	Strategy TokenStrategy
	// Streamable marks endpoints that may return SSE
	Streamable bool
}

// Descriptors for the OpenAI-compatible endpoints
var (
	ChatDescriptor = Descriptor{Path: "/v1/chat/completions", Strategy: TokensFromUsage, Streamable: true}
	ImageDescriptor = Descriptor{Path: "/v1/images/generations", Strategy: TokensFixedOne}
	TranscriptionDescriptor = Descriptor{Path: "/v1/audio/transcriptions", Strategy: TokensFromTranscription}
	SpeechDescriptor = Descriptor{Path: "/v1/audio/speech", Strategy: TokensFromSpeechInput}
	ResponsesDescriptor = Descriptor{Path: "/v1/responses", Strategy: TokensFromUsage, Streamable: true}
)

// ExtractTokens applies the descriptor's strategy to a buffered response.
// inputChars is the character length of the client request body and
// speechInputLen the length of the speech input field, both measured before
// forwarding.
func ExtractTokens(strategy TokenStrategy, body []byte, inputChars, speechInputLen int) int {
	switch strategy {
	case TokensFixedOne:
		return 1

	case TokensFromTranscription:
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Text != "" {
			return utils.EstimateTokens(len(parsed.Text))
		}
		return 1

	case TokensFromSpeechInput:
		// Intentionally the raw character count, not chars/4
		if speechInputLen > 0 {
			return speechInputLen
		}
		return 1

	default:
		var parsed struct {
			Usage *openai.Usage `json:"usage"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Usage != nil {
			if parsed.Usage.TotalTokens > 0 {
				return parsed.Usage.TotalTokens
			}
			if sum := parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens; sum > 0 {
				return sum
			}
		}
		return utils.EstimateTokens(inputChars) + utils.EstimateTokens(len(body))
	}
}
