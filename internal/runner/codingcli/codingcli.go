// Package codingcli runs the coding-assistant subprocess provider
// (provider tag "B"): a CLI that resumes a captured thread id across
// requests on the same connection and takes image attachments as files.
package codingcli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/bridgews/internal/runner"
	"github.com/basket/bridgews/internal/runner/subprocess"
)

// Config configures the coding-assistant subprocess.
type Config struct {
	Path       string
	SessionDir string
}

// Provider wraps the subprocess base, adding the thread-id capture this
// provider's resume semantics require.
type Provider struct {
	*subprocess.Base
	mu       sync.Mutex
	threadID string
	tmpRoot  string
}

// New builds a runner.Runner for provider B.
func New(cfg Config, opts ...subprocess.Option) runner.Runner {
	p := &Provider{tmpRoot: filepath.Join(os.TempDir(), "bridgews-codingcli-images-"+uuid.NewString())}
	p.Base = subprocess.New(cfg.Path, "codingcli", p.buildFunc(cfg), p.parseLine, opts...)
	return p
}

func (p *Provider) resumeArgs(o runner.Options) (args []string, resuming bool) {
	p.mu.Lock()
	thread := p.threadID
	p.mu.Unlock()

	if thread != "" && o.ProjectID != "" {
		return []string{"exec", "resume", thread, "--json", "--full-auto", "--skip-git-repo-check"}, true
	}
	return []string{"exec", "--json", "--full-auto", "--skip-git-repo-check"}, false
}

var sanitizeID = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitizeRequestID(id string) string {
	s := sanitizeID.ReplaceAllString(id, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

func extensionFor(mediaType string) string {
	parts := strings.SplitN(mediaType, "/", 2)
	subtype := ""
	if len(parts) == 2 {
		subtype = parts[1]
	}
	ext := nonAlnum.ReplaceAllString(subtype, "")
	if len(ext) > 10 {
		ext = ext[:10]
	}
	if ext == "" {
		ext = "png"
	}
	return ext
}

func (p *Provider) buildFunc(cfg Config) subprocess.BuildFunc {
	return func(ctx context.Context, o runner.Options) (subprocess.Build, error) {
		args, resuming := p.resumeArgs(o)
		if !resuming && o.Model != "" {
			args = append(args, "--model", o.Model)
		}

		var tempFiles []string
		for i, img := range o.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return subprocess.Build{}, fmt.Errorf("decode image %d: %w", i, err)
			}
			if err := os.MkdirAll(p.tmpRoot, 0o755); err != nil {
				return subprocess.Build{}, fmt.Errorf("create image temp dir: %w", err)
			}
			name := fmt.Sprintf("%s-%d.%s", sanitizeRequestID(o.RequestID), i, extensionFor(img.MediaType))
			path := filepath.Join(p.tmpRoot, name)
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return subprocess.Build{}, fmt.Errorf("write image temp file: %w", err)
			}
			tempFiles = append(tempFiles, path)
			args = append(args, "-i", path)
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

		stdin := o.Prompt
		if o.SystemPrompt != "" {
			stdin = o.SystemPrompt + "\n\n---\n\n" + o.Prompt
		}

		return subprocess.Build{
			Args:  args,
			Dir:   dir,
			Env:   subprocess.BuildEnv(nil),
			Stdin: []byte(stdin),
			Cleanup: func() {
				for _, f := range tempFiles {
					_ = os.Remove(f)
				}
			},
		}, nil
	}
}

type lineEvent struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Item     *itemWire       `json:"item"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
}

type itemWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *Provider) parseLine(line []byte, requestID string, handlers runner.Handlers) {
	var ev lineEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			p.mu.Lock()
			p.threadID = ev.ThreadID
			p.mu.Unlock()
		}
	case "item.completed":
		if ev.Item == nil || ev.Item.Text == "" {
			return
		}
		switch ev.Item.Type {
		case "agent_message":
			handlers.OnChunk(ev.Item.Text, requestID, false)
		case "reasoning":
			handlers.OnChunk(ev.Item.Text, requestID, true)
		}
	case "turn.failed":
		msg := errorMessage(ev.Error)
		if msg == "" {
			msg = "turn failed"
		}
		handlers.OnError(msg, requestID)
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = errorMessage(ev.Error)
		}
		if msg == "" {
			msg = "unknown error"
		}
		handlers.OnError(msg, requestID)
	}
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var withMessage struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &withMessage); err == nil && withMessage.Message != "" {
		return withMessage.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
