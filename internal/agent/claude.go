package agent

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

func init() {
	RegisterClient(ClientClaude, func() Client { return &claudeClient{} })
}

// claudeClient spawns headless Claude Code CLI sessions speaking
// stream-json on stdout.
type claudeClient struct{}

func (c *claudeClient) Type() ClientType { return ClientClaude }

// Spawn starts a session, resuming cfg.SessionRef when set.
func (c *claudeClient) Spawn(ctx context.Context, cfg Config) (Process, error) {
	path, err := findClaudeExecutable()
	if err != nil {
		return nil, err
	}

	var procCtx context.Context
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	//nolint:gosec // G204: args are built from our own Config, not user input
	cmd := exec.CommandContext(procCtx, path, buildClaudeArgs(cfg)...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+cfg.Env[k])
		}
		cmd.Env = env
	}

	return startProcess(procCtx, cancel, cmd, "claude", cfg.SessionRef, parseClaudeEvent)
}

// findClaudeExecutable checks the local install locations before
// falling back to PATH.
func findClaudeExecutable() (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		for _, candidate := range []string{
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".claude", "claude"),
		} {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return exec.LookPath("claude")
}

func buildClaudeArgs(cfg Config) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if cfg.SessionRef != "" {
		args = append(args, "--resume", cfg.SessionRef)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	args = append(args, "--dangerously-skip-permissions")
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}

	// The -- separator keeps the prompt from being eaten by flags.
	if cfg.Prompt != "" {
		args = append(args, "--", cfg.Prompt)
	}
	return args
}

// rawClaudeEvent mirrors the CLI's stream-json line shape.
type rawClaudeEvent struct {
	Type      EventType `json:"type"`
	SubType   string    `json:"subtype"`
	SessionID string    `json:"session_id"`
	Message   *struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Model   string `json:"model"`
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
	TotalCostUSD  float64         `json:"total_cost_usd"`
	DurationMs    int64           `json:"duration_ms"`
	IsErrorResult bool            `json:"is_error"`
	Result        string          `json:"result"`
	Error         json.RawMessage `json:"error"`
}

// parseClaudeEvent converts one stream-json line to an OutputEvent.
func parseClaudeEvent(line []byte) (OutputEvent, error) {
	var raw rawClaudeEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return OutputEvent{}, err
	}

	event := OutputEvent{
		Type:          raw.Type,
		SubType:       raw.SubType,
		SessionID:     raw.SessionID,
		TotalCostUSD:  raw.TotalCostUSD,
		DurationMs:    raw.DurationMs,
		IsErrorResult: raw.IsErrorResult,
		Result:        raw.Result,
		Error:         parseClaudeError(raw.Error),
	}

	if raw.Message != nil {
		event.Message = &MessageContent{
			ID:    raw.Message.ID,
			Role:  raw.Message.Role,
			Model: raw.Message.Model,
		}
		for _, block := range raw.Message.Content {
			event.Message.Content = append(event.Message.Content, ContentBlock{
				Type:  block.Type,
				Text:  block.Text,
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return event, nil
}

// parseClaudeError handles the polymorphic error field: either a bare
// string code or a {message, code} object.
func parseClaudeError(raw json.RawMessage) *ErrorInfo {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		if code == "" {
			return nil
		}
		return &ErrorInfo{Code: code}
	}

	var info ErrorInfo
	if err := json.Unmarshal(raw, &info); err == nil {
		if info.Message == "" && info.Code == "" {
			return nil
		}
		return &info
	}
	return &ErrorInfo{Message: string(raw)}
}
