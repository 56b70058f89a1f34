// Package agentcli runs the agent-assistant subprocess provider (provider
// tag "A"): a CLI that speaks streaming JSON over stdout and accepts a
// prompt (optionally with inline images) over stdin.
package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/basket/bridgews/internal/runner"
	"github.com/basket/bridgews/internal/runner/subprocess"
)

// Config configures the agent-assistant subprocess.
type Config struct {
	Path string
	// DefaultTools is the csv passed to --tools. Nil means unconfigured: the
	// flag is omitted and the CLI falls back to its own default tool set. A
	// non-nil empty string means "no tools" and is passed through as-is.
	DefaultTools *string
	MaxTurns     int // 0 = unset
	SessionDir   string
}

// New builds a runner.Runner for provider A.
func New(cfg Config, opts ...subprocess.Option) runner.Runner {
	return subprocess.New(cfg.Path, "agentcli", buildFunc(cfg), parseLine, opts...)
}

func buildFunc(cfg Config) subprocess.BuildFunc {
	return func(ctx context.Context, o runner.Options) (subprocess.Build, error) {
		args := []string{"--print", "--verbose", "--output-format", "stream-json"}
		if cfg.MaxTurns > 0 {
			args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
		}
		// A nil DefaultTools leaves the flag off entirely so the CLI uses its
		// own default tool set; an explicitly configured empty string still
		// emits --tools "" to mean "no tools".
		if cfg.DefaultTools != nil {
			args = append(args, "--tools", *cfg.DefaultTools)
		}
		if len(o.Images) > 0 {
			args = append(args, "--input-format", "stream-json")
		}
		if o.ProjectID != "" {
			args = append(args, "--continue")
		}
		if o.Model != "" {
			args = append(args, "--model", o.Model)
		}
		if o.SystemPrompt != "" {
			args = append(args, "--append-system-prompt", o.SystemPrompt)
		}
		args = append(args, "-")

		dir := ""
		if o.ProjectID != "" {
			d, err := subprocess.ResolveProjectDir(cfg.SessionDir, o.ProjectID)
			if err != nil {
				return subprocess.Build{}, err
			}
			dir = d
		}

		var extraEnv []string
		if o.ThinkingTokens != nil {
			extraEnv = append(extraEnv, "MAX_THINKING_TOKENS="+strconv.FormatInt(*o.ThinkingTokens, 10))
		}

		stdin, err := buildStdin(o)
		if err != nil {
			return subprocess.Build{}, err
		}

		return subprocess.Build{
			Args:  args,
			Dir:   dir,
			Env:   subprocess.BuildEnv(extraEnv),
			Stdin: stdin,
		}, nil
	}
}

type contentBlock struct {
	Type   string      `json:"type"`
	Text   string      `json:"text,omitempty"`
	Source imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type userMessageWire struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func buildStdin(o runner.Options) ([]byte, error) {
	if len(o.Images) == 0 {
		return []byte(o.Prompt), nil
	}

	var wire userMessageWire
	wire.Type = "user"
	wire.Message.Role = "user"
	for _, img := range o.Images {
		wire.Message.Content = append(wire.Message.Content, contentBlock{
			Type: "image",
			Source: imageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	wire.Message.Content = append(wire.Message.Content, contentBlock{Type: "text", Text: o.Prompt})

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal stdin message: %w", err)
	}
	return append(payload, '\n'), nil
}

// streamEvent is the union of shapes the line parser understands.
type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Event   json.RawMessage `json:"event"`
	Message *struct {
		Content []assistantBlock `json:"content"`
	} `json:"message"`
}

type assistantBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

func parseLine(line []byte, requestID string, handlers runner.Handlers) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	handleEvent(ev, requestID, handlers)
}

func handleEvent(ev streamEvent, requestID string, handlers runner.Handlers) {
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			handlers.OnChunk(ev.Delta.Text, requestID, false)
		case "thinking_delta":
			handlers.OnChunk(ev.Delta.Thinking, requestID, true)
		}
	case "stream_event":
		if len(ev.Event) == 0 {
			return
		}
		var inner streamEvent
		if err := json.Unmarshal(ev.Event, &inner); err != nil {
			return
		}
		handleEvent(inner, requestID, handlers)
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			if block.Text != "" {
				handlers.OnChunk(block.Text, requestID, false)
			}
			if block.Thinking != "" {
				handlers.OnChunk(block.Thinking, requestID, true)
			}
		}
	default:
		// "result" and any other event types mark no chunk; the exit code is
		// the authoritative terminal signal (see subprocess.Base).
	}
}
