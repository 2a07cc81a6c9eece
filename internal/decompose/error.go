package decompose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
)

// ErrorCode classifies why a decomposition attempt failed.
type ErrorCode string

const (
	// CodeTimeout means the reasoning call exceeded its deadline.
	CodeTimeout ErrorCode = "timeout"
	// CodeAborted means the call was cancelled from our side.
	CodeAborted ErrorCode = "aborted"
	// CodeProvider means the reasoning service rejected or throttled
	// the call (rate limit, overload, 5xx).
	CodeProvider ErrorCode = "provider"
	// CodeUnknown is everything else.
	CodeUnknown ErrorCode = "unknown"
)

// Error is a classified decomposition failure carrying both a technical
// message for the log and a short user-visible one for chat.
type Error struct {
	Code        ErrorCode
	Technical   string
	UserMessage string
	Elapsed     time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("decomposition %s after %s: %s", e.Code, e.Elapsed.Round(time.Millisecond), e.Technical)
}

// classify maps a raw failure to a typed Error.
func classify(err error, elapsed time.Duration) *Error {
	code := CodeUnknown
	user := "Planning this request failed. It can be retried."

	switch {
	case errors.Is(err, agent.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
		user = "Planning this request timed out. It can be retried."
	case errors.Is(err, context.Canceled):
		code = CodeAborted
		user = "Planning this request was interrupted."
	case isProviderError(err):
		code = CodeProvider
		user = "The reasoning service is unavailable right now. It can be retried."
	}

	return &Error{
		Code:        code,
		Technical:   err.Error(),
		UserMessage: user,
		Elapsed:     elapsed,
	}
}

// isProviderError sniffs rate-limit and overload signatures out of the
// error text. Providers surface these as free text, not typed errors.
func isProviderError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "overloaded", "500", "502", "503", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
