package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ParseError is returned when a frame fails validation. RequestID is set
// only when the frame identified a specific request (duplicate id, unknown
// cancel id are dispatch-time errors, not parse-time ones — this is purely
// about whether the malformed frame itself carried an identifiable id).
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

func parseErrf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// Parse validates a raw inbound text frame and returns either a *Prompt or
// a *Cancel. On failure it returns a *ParseError whose message is the exact
// validation-order message described by the wire protocol.
func Parse(raw []byte) (any, error) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// json.Unmarshal also fails for a bare JSON scalar/array target type
		// mismatch; disambiguate below by re-parsing into `any`.
		var generic any
		if err2 := json.Unmarshal(raw, &generic); err2 != nil {
			return nil, parseErrf("Invalid JSON")
		}
		return nil, parseErrf("Message must be a JSON object")
	}
	if envelope == nil {
		// A literal `null` unmarshals successfully into a nil map: it's valid
		// JSON but a scalar, not an object.
		return nil, parseErrf("Message must be a JSON object")
	}

	rawType, ok := envelope["type"]
	if !ok {
		return nil, parseErrf("Missing or invalid 'type' field")
	}
	typeStr, ok := rawType.(string)
	if !ok {
		return nil, parseErrf("Missing or invalid 'type' field")
	}

	switch typeStr {
	case "prompt":
		return parsePrompt(envelope)
	case "cancel":
		return parseCancel(envelope)
	default:
		return nil, parseErrf("Unknown message type: %s", truncate(typeStr, 50))
	}
}

func parsePrompt(envelope map[string]any) (*Prompt, error) {
	promptText, _ := envelope["prompt"].(string)
	if promptText == "" {
		return nil, parseErrf("Prompt must not be empty")
	}
	if len(promptText) > maxPromptBytes {
		return nil, parseErrf("Prompt exceeds maximum size of 512KiB")
	}

	requestID, _ := envelope["requestId"].(string)
	if requestID == "" {
		return nil, parseErrf("Missing or invalid 'requestId' field")
	}

	p := &Prompt{
		Prompt:    promptText,
		RequestID: requestID,
		Provider:  ProviderAgentCLI,
	}

	if raw, present := envelope["systemPrompt"]; present {
		if s, ok := raw.(string); ok {
			if len(s) > maxSystemPromptBytes {
				return nil, parseErrf("System prompt exceeds maximum size of 64KiB")
			}
			p.SystemPrompt = s
		}
	}

	if raw, present := envelope["projectId"]; present {
		if s, ok := raw.(string); ok {
			if len(s) > maxProjectIDLen {
				return nil, parseErrf("projectId exceeds maximum length of 128 characters")
			}
			if !projectIDPattern.MatchString(s) {
				return nil, parseErrf("Invalid projectId format")
			}
			p.ProjectID = s
		}
	}

	if raw, present := envelope["provider"]; present {
		if s, ok := raw.(string); ok {
			switch s {
			case ProviderAgentCLI, ProviderCodingCLI, ProviderLocal:
				p.Provider = s
			default:
				return nil, parseErrf("Unknown provider: %s. Supported providers are A, B, C", truncate(s, 50))
			}
		}
	}

	if raw, present := envelope["model"]; present {
		if s, ok := raw.(string); ok {
			p.Model = s
		}
	}

	if raw, present := envelope["thinkingTokens"]; present {
		if n, ok := raw.(float64); ok && n >= 0 {
			v := int64(n)
			p.ThinkingTokens = &v
		}
	}

	if raw, present := envelope["images"]; present {
		arr, ok := raw.([]any)
		if ok && len(arr) > 0 {
			if len(arr) > maxImages {
				return nil, parseErrf("Too many images: maximum is 4")
			}
			images := make([]Image, 0, len(arr))
			for i, item := range arr {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, parseErrf("Invalid image at index %d", i)
				}
				mediaType, _ := obj["media_type"].(string)
				if !allowedMediaTypes[mediaType] {
					return nil, parseErrf("Unsupported media_type at index %d: %s", i, truncate(mediaType, 50))
				}
				data, _ := obj["data"].(string)
				if len(data) > maxImageDataBytes {
					return nil, parseErrf("Image data at index %d exceeds maximum size of 10MiB", i)
				}
				images = append(images, Image{MediaType: mediaType, Data: data})
			}
			p.Images = images
		}
	}

	return p, nil
}

func parseCancel(envelope map[string]any) (*Cancel, error) {
	requestID, _ := envelope["requestId"].(string)
	if requestID == "" {
		return nil, parseErrf("Missing or invalid 'requestId' field")
	}
	return &Cancel{RequestID: requestID}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
