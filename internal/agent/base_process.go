package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/log"
)

// ErrTimeout is returned when a session exceeds its configured timeout.
var ErrTimeout = fmt.Errorf("session timed out")

// parseEventFunc parses one stdout line into an OutputEvent.
type parseEventFunc func(line []byte) (OutputEvent, error)

// baseProcess implements the shared session lifecycle: three goroutines
// reading stdout, stderr, and the exit status, feeding the events and
// errors channels.
type baseProcess struct {
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	sessionRef string
	status     ProcessStatus
	events     chan OutputEvent
	errors     chan error
	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex
	wg         sync.WaitGroup

	stderrLines []string
	provider    string
	parseEvent  parseEventFunc
}

// startProcess launches cmd and wires up the reader goroutines. The
// command must not have been started yet.
func startProcess(
	ctx context.Context,
	cancel context.CancelFunc,
	cmd *exec.Cmd,
	provider string,
	sessionRef string,
	parse parseEventFunc,
) (*baseProcess, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: stdout pipe: %w", provider, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: stderr pipe: %w", provider, err)
	}

	bp := &baseProcess{
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		sessionRef: sessionRef,
		status:     StatusPending,
		events:     make(chan OutputEvent, 100),
		errors:     make(chan error, 10),
		ctx:        ctx,
		cancelFunc: cancel,
		provider:   provider,
		parseEvent: parse,
	}

	log.Debug(log.CatAgent, "spawning session process",
		"provider", provider, "path", cmd.Path, "workDir", cmd.Dir)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%s: starting process: %w", provider, err)
	}

	bp.setStatus(StatusRunning)
	bp.wg.Add(3)
	go bp.parseOutput()
	go bp.drainStderr()
	go bp.waitForCompletion()
	return bp, nil
}

func (bp *baseProcess) Events() <-chan OutputEvent { return bp.events }
func (bp *baseProcess) Errors() <-chan error       { return bp.errors }

func (bp *baseProcess) SessionRef() string {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.sessionRef
}

func (bp *baseProcess) Status() ProcessStatus {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.status
}

func (bp *baseProcess) setStatus(s ProcessStatus) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.status = s
}

// Cancel marks the process cancelled before signalling the context so
// waitForCompletion doesn't misreport the exit as a failure. A no-op on
// terminal processes.
func (bp *baseProcess) Cancel() error {
	bp.mu.Lock()
	if bp.status.IsTerminal() {
		bp.mu.Unlock()
		return nil
	}
	bp.status = StatusCancelled
	bp.mu.Unlock()
	bp.cancelFunc()
	return nil
}

// Wait blocks until all reader goroutines complete.
func (bp *baseProcess) Wait() error {
	bp.wg.Wait()
	return nil
}

func (bp *baseProcess) sendError(err error) {
	select {
	case bp.errors <- err:
	default:
		log.Debug(log.CatAgent, "error channel full, dropping error",
			"provider", bp.provider, "error", err)
	}
}

// parseOutput reads stdout line by line and forwards parsed events.
// The first init event's session id is captured as the session ref.
func (bp *baseProcess) parseOutput() {
	defer bp.wg.Done()
	defer close(bp.events)

	scanner := bufio.NewScanner(bp.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := bp.parseEvent(line)
		if err != nil {
			log.Debug(log.CatAgent, "unparseable output line",
				"provider", bp.provider, "error", err, "line", string(line))
			continue
		}

		event.Raw = make([]byte, len(line))
		copy(event.Raw, line)
		event.Timestamp = time.Now()

		if event.IsInit() && event.SessionID != "" {
			bp.mu.Lock()
			if bp.sessionRef == "" {
				bp.sessionRef = event.SessionID
				log.Debug(log.CatAgent, "got session ref",
					"provider", bp.provider, "sessionRef", event.SessionID)
			}
			bp.mu.Unlock()
		}

		select {
		case bp.events <- event:
		case <-bp.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		bp.sendError(fmt.Errorf("stdout scanner error: %w", err))
	}
}

// drainStderr reads stderr, logging and capturing lines for error
// messages.
func (bp *baseProcess) drainStderr() {
	defer bp.wg.Done()

	scanner := bufio.NewScanner(bp.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatAgent, "STDERR", "provider", bp.provider, "line", line)
		bp.mu.Lock()
		bp.stderrLines = append(bp.stderrLines, line)
		bp.mu.Unlock()
	}
}

// waitForCompletion waits for the process to exit and settles the final
// status. Closes the errors channel to signal completion.
func (bp *baseProcess) waitForCompletion() {
	defer bp.wg.Done()
	defer close(bp.errors)

	err := bp.cmd.Wait()

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.status == StatusCancelled {
		log.Debug(log.CatAgent, "session process cancelled", "provider", bp.provider)
		return
	}

	if errors.Is(bp.ctx.Err(), context.DeadlineExceeded) {
		bp.status = StatusFailed
		bp.sendError(ErrTimeout)
		return
	}

	if err != nil {
		bp.status = StatusFailed
		if len(bp.stderrLines) > 0 {
			bp.sendError(fmt.Errorf("%s process failed: %s (exit: %w)",
				bp.provider, strings.Join(bp.stderrLines, "\n"), err))
		} else {
			bp.sendError(fmt.Errorf("%s process exited: %w", bp.provider, err))
		}
		return
	}
	bp.status = StatusCompleted
}
