// Package protocol implements the wire codec: parsing and validating
// inbound client frames, and serializing outbound server frames.
package protocol

// Provider tags accepted on a prompt request.
const (
	ProviderAgentCLI  = "A"
	ProviderCodingCLI = "B"
	ProviderLocal     = "C"
)

// Image is one base64-encoded inline image attached to a prompt.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Prompt is a validated inbound prompt request.
type Prompt struct {
	Prompt         string
	RequestID      string
	Provider       string
	Model          string
	SystemPrompt   string
	ProjectID      string
	ThinkingTokens *int64
	Images         []Image
}

// Cancel is a validated inbound cancel request.
type Cancel struct {
	RequestID string
}

// Connected is the first frame sent on every admitted connection.
type Connected struct {
	Version string `json:"version"`
	Agent   string `json:"agent"`
}

// Chunk carries one streamed piece of a provider's response.
type Chunk struct {
	Content   string
	RequestID string
	Thinking  bool
}

// Complete marks the successful end of one request's stream.
type Complete struct {
	RequestID string
}

// ErrorFrame reports a validation, admission, or lifecycle failure.
// RequestID is empty for connection-scoped errors.
type ErrorFrame struct {
	Message   string
	RequestID string
}

const (
	maxPromptBytes       = 512 * 1024
	maxSystemPromptBytes = 64 * 1024
	maxProjectIDLen      = 128
	maxImages            = 4
	maxImageDataBytes    = 10 * 1024 * 1024
)

var allowedMediaTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}
