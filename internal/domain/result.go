package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ResultStatus is the status field of a task result payload.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// TaskResult is the structured payload an agent session must emit as the
// final portion of its output. Data carries arbitrary structured output
// for downstream consumers and is preserved verbatim.
type TaskResult struct {
	Status  ResultStatus    `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AggregateEntry is one child's contribution to a parent's aggregated
// result, ordered by the child's creation order.
type AggregateEntry struct {
	Title  string     `json:"title"`
	Result TaskResult `json:"result"`
}

// WrapUnparsed builds a uniform aggregate result for a child whose stored
// result did not parse as a TaskResult: the first line of the raw string,
// capped at maxLen runes, as a success message.
func WrapUnparsed(raw string, maxLen int) TaskResult {
	line := raw
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	return TaskResult{Status: ResultSuccess, Message: Truncate(line, maxLen)}
}

// Truncate caps a string at maxLen runes, keeping the head.
func Truncate(s string, maxLen int) string {
	trimmed := strings.TrimSpace(s)
	if utf8.RuneCountInString(trimmed) <= maxLen {
		return trimmed
	}
	return string([]rune(trimmed)[:maxLen])
}

// ExtractJSON pulls a JSON value out of model output. Models wrap JSON in
// prose and code fences despite instructions, so extraction is staged:
//
//  1. the whole trimmed text parses as JSON
//  2. the first fenced code block (```json or bare ```) parses
//  3. the first bracket-balanced value found by scanning from '{' or '['
//
// Returns the raw JSON text, or an error when nothing parses.
func ExtractJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("empty text")
	}

	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if block, ok := extractFencedBlock(trimmed); ok && json.Valid([]byte(block)) {
		return block, nil
	}

	if val, ok := extractBalanced(trimmed); ok && json.Valid([]byte(val)) {
		return val, nil
	}

	return "", fmt.Errorf("no JSON value found in text")
}

// extractFencedBlock returns the contents of the first ``` fenced block.
func extractFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Skip an optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		first := strings.TrimSpace(rest[:nl])
		if first == "json" || first == "" {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalanced scans for the first '{' or '[' and returns the substring
// through its matching close. String literals and escapes are honored so
// brackets inside values don't break the balance.
func extractBalanced(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseTaskResult extracts and decodes a TaskResult from agent output.
// The status field must be one of the known values.
func ParseTaskResult(text string) (*TaskResult, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("extracting result: %w", err)
	}

	var result TaskResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}

	switch result.Status {
	case ResultSuccess, ResultError:
	default:
		return nil, fmt.Errorf("unknown result status: %q", result.Status)
	}

	return &result, nil
}
