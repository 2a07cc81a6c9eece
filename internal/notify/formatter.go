package notify

import (
	"context"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// formatInstruction asks the reasoning service for a short chat-ready
// rewrite of a raw result payload.
const formatInstruction = `Rewrite the following task result as a short chat message for the person who requested the work. One or two sentences, plain language, no JSON, no markdown headers. Mention concrete outcomes and anything that needs their attention.`

// fallbackLimit is how much of the raw payload is sent when formatting
// fails.
const fallbackLimit = 500

// Formatter turns raw result payloads into short human messages via a
// one-shot reasoning call, falling back to a truncated raw string.
type Formatter struct {
	client  agent.Client
	model   domain.ModelTier
	timeout time.Duration
	workDir string
}

// NewFormatter creates a formatter. A zero timeout defaults to 30s.
func NewFormatter(client agent.Client, model domain.ModelTier, timeout time.Duration, workDir string) *Formatter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if model == "" {
		model = domain.TierLight
	}
	return &Formatter{client: client, model: model, timeout: timeout, workDir: workDir}
}

// Format returns the chat-ready message for a raw payload. It never
// fails: on any error the first 500 chars of the raw string are used.
func (f *Formatter) Format(ctx context.Context, raw string) string {
	formatted, err := f.call(ctx, raw)
	if err != nil || formatted == "" {
		if err != nil {
			log.Warn(log.CatNotify, "formatter call failed, using raw fallback", "error", err)
		}
		return domain.Truncate(raw, fallbackLimit)
	}
	return formatted
}

func (f *Formatter) call(ctx context.Context, raw string) (string, error) {
	proc, err := f.client.Spawn(ctx, agent.Config{
		WorkDir:      f.workDir,
		Prompt:       raw,
		SystemPrompt: formatInstruction,
		Model:        string(f.model),
		Timeout:      f.timeout,
		MaxTurns:     1,
	})
	if err != nil {
		return "", err
	}

	var result string
	for event := range proc.Events() {
		if event.IsResult() && !event.IsErrorResult {
			result = event.Result
		}
	}
	var procErr error
	for e := range proc.Errors() {
		if procErr == nil {
			procErr = e
		}
	}
	_ = proc.Wait()

	if procErr != nil {
		return "", procErr
	}
	return result, nil
}
