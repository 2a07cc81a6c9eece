// Package agent spawns and supervises headless AI sessions. A Client is
// a provider factory; a Process is one running session streaming parsed
// events. The Pool tracks sessions per task and turns their output into
// store updates and coordination events.
package agent

import (
	"context"
	"fmt"
	"time"
)

// ClientType identifies a session provider.
type ClientType string

const (
	// ClientClaude is the Claude Code CLI provider.
	ClientClaude ClientType = "claude"
	// ClientMock is an in-memory provider for tests.
	ClientMock ClientType = "mock"
)

// Config holds provider-agnostic configuration for spawning a session.
type Config struct {
	// WorkDir is the working directory for the session.
	WorkDir string

	// Prompt is the initial prompt.
	Prompt string

	// SystemPrompt is appended to the provider's system instructions.
	SystemPrompt string

	// SessionRef resumes an existing session when non-empty.
	SessionRef string

	// Model is the provider model name ("haiku", "sonnet", "opus").
	Model string

	// Timeout is the maximum session duration. Zero means no timeout.
	Timeout time.Duration

	// MaxTurns caps the number of agentic turns. Zero means no cap.
	MaxTurns int

	// Env holds extra environment variables for the session process.
	Env map[string]string
}

// Client is a factory for spawning headless sessions.
type Client interface {
	// Type returns the provider identifier.
	Type() ClientType

	// Spawn creates and starts a session. A non-empty cfg.SessionRef
	// resumes the referenced session instead of creating a new one.
	Spawn(ctx context.Context, cfg Config) (Process, error)
}

// ErrUnknownClientType is returned for unregistered provider names.
var ErrUnknownClientType = fmt.Errorf("unknown client type")

var clientRegistry = make(map[ClientType]func() Client)

// RegisterClient registers a provider factory. Called from provider
// init() functions.
func RegisterClient(clientType ClientType, factory func() Client) {
	clientRegistry[clientType] = factory
}

// NewClient creates a Client for the given provider type.
func NewClient(clientType ClientType) (Client, error) {
	factory, ok := clientRegistry[clientType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClientType, clientType)
	}
	return factory(), nil
}

// IsRegistered returns true if the provider type has been registered.
func IsRegistered(clientType ClientType) bool {
	_, ok := clientRegistry[clientType]
	return ok
}
