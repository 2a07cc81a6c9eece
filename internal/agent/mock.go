package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

func init() {
	RegisterClient(ClientMock, func() Client {
		return NewMockClient(func(Config) []OutputEvent {
			return []OutputEvent{MockResult(`{"status":"success","message":"ok"}`, 0.01)}
		})
	})
}

// MockResponder produces the scripted event stream for one spawn.
type MockResponder func(cfg Config) []OutputEvent

// MockClient is an in-memory provider for tests. Each Spawn plays the
// responder's events through a MockProcess and records the config it
// was called with.
type MockClient struct {
	mu        sync.Mutex
	responder MockResponder
	spawns    []Config
	counter   atomic.Int64
}

// NewMockClient creates a mock provider with the given responder.
func NewMockClient(responder MockResponder) *MockClient {
	return &MockClient{responder: responder}
}

func (c *MockClient) Type() ClientType { return ClientMock }

// SetResponder swaps the scripted responder. Safe while sessions run.
func (c *MockClient) SetResponder(responder MockResponder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = responder
}

// Spawns returns a copy of every Config passed to Spawn, in order.
func (c *MockClient) Spawns() []Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Config, len(c.spawns))
	copy(out, c.spawns)
	return out
}

// Spawn records the config and starts a scripted session.
func (c *MockClient) Spawn(ctx context.Context, cfg Config) (Process, error) {
	c.mu.Lock()
	c.spawns = append(c.spawns, cfg)
	responder := c.responder
	c.mu.Unlock()

	sessionRef := cfg.SessionRef
	if sessionRef == "" {
		sessionRef = fmt.Sprintf("mock-session-%d", c.counter.Add(1))
	}

	p := &MockProcess{
		sessionRef: sessionRef,
		status:     StatusRunning,
		events:     make(chan OutputEvent, 100),
		errors:     make(chan error, 10),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		// The responder runs on the playback goroutine so scripted
		// blocking simulates a long-running session, not a slow spawn.
		p.play(sessionRef, responder(cfg))
	}()
	return p, nil
}

// MockProcess plays a scripted event stream.
type MockProcess struct {
	mu         sync.RWMutex
	sessionRef string
	status     ProcessStatus
	events     chan OutputEvent
	errors     chan error
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func (p *MockProcess) play(sessionRef string, script []OutputEvent) {
	defer p.wg.Done()
	defer close(p.errors)
	defer close(p.events)

	select {
	case <-p.ctx.Done():
		p.setStatus(StatusCancelled)
		return
	default:
	}

	hasInit := false
	for _, e := range script {
		if e.IsInit() {
			hasInit = true
		}
	}
	if !hasInit {
		script = append([]OutputEvent{MockInit(sessionRef)}, script...)
	}

	failed := false
	for _, event := range script {
		event.Timestamp = time.Now()
		if event.IsError() {
			failed = true
		}
		select {
		case p.events <- event:
		case <-p.ctx.Done():
			p.setStatus(StatusCancelled)
			return
		}
	}

	if failed {
		p.setStatus(StatusFailed)
	} else {
		p.setStatus(StatusCompleted)
	}
}

func (p *MockProcess) Events() <-chan OutputEvent { return p.events }
func (p *MockProcess) Errors() <-chan error       { return p.errors }

func (p *MockProcess) SessionRef() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionRef
}

func (p *MockProcess) Status() ProcessStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *MockProcess) setStatus(s ProcessStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.status.IsTerminal() {
		p.status = s
	}
}

func (p *MockProcess) Cancel() error {
	p.setStatus(StatusCancelled)
	p.cancel()
	return nil
}

func (p *MockProcess) Wait() error {
	p.wg.Wait()
	return nil
}

// MockInit builds a system init event carrying the session reference.
func MockInit(sessionRef string) OutputEvent {
	return OutputEvent{Type: EventSystem, SubType: "init", SessionID: sessionRef}
}

// MockText builds an assistant text message event.
func MockText(text string) OutputEvent {
	return OutputEvent{
		Type: EventAssistant,
		Message: &MessageContent{
			Role:    "assistant",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// MockToolUse builds an assistant event with one tool_use block.
func MockToolUse(name string, input map[string]any) OutputEvent {
	raw, _ := json.Marshal(input)
	return OutputEvent{
		Type: EventAssistant,
		Message: &MessageContent{
			Role:    "assistant",
			Content: []ContentBlock{{Type: "tool_use", ID: "tool-1", Name: name, Input: raw}},
		},
	}
}

// MockResult builds a successful completion event.
func MockResult(text string, costUSD float64) OutputEvent {
	return OutputEvent{Type: EventResult, Result: text, TotalCostUSD: costUSD}
}

// MockErrorResult builds a failed completion event.
func MockErrorResult(text string, costUSD float64) OutputEvent {
	return OutputEvent{Type: EventResult, Result: text, TotalCostUSD: costUSD, IsErrorResult: true}
}

var _ Client = (*MockClient)(nil)
var _ Process = (*MockProcess)(nil)
