// Package llm provides chat-completion access for classification, extraction
// and summarization prompts.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Provider defines the interface for chat-completion providers.
type Provider interface {
	Complete(ctx context.Context, system, user string, options CompletionOptions) (string, error)
	IsAvailable() bool
}

// CompletionOptions configures a completion request.
type CompletionOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	JSONMode    bool    `json:"json_mode"`
}

// StripFences removes a surrounding markdown code fence, if any, so that
// providers that wrap JSON in ```json blocks still parse.
func StripFences(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
		response = strings.TrimSpace(response)
	}
	return response
}

// DecodeObject leniently parses a JSON object out of an LLM response,
// tolerating fences and surrounding prose. A response with no object returns
// an error; callers degrade rather than retry.
func DecodeObject(response string, out any) error {
	return json.Unmarshal([]byte(extract(response, '{', '}')), out)
}

// DecodeArray leniently parses a JSON array out of an LLM response.
func DecodeArray(response string, out any) error {
	return json.Unmarshal([]byte(extract(response, '[', ']')), out)
}

// extract cuts the outermost open..close span from the response. When the
// delimiters are absent the response is returned as-is and the subsequent
// unmarshal reports the failure.
func extract(response string, open, close byte) string {
	response = StripFences(response)
	start := strings.IndexByte(response, open)
	end := strings.LastIndexByte(response, close)
	if start >= 0 && end > start {
		return response[start : end+1]
	}
	return response
}
