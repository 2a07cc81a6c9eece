package domain

import "time"

// Run is the persisted record of one decomposition attempt, kept for
// diagnostics: how long the reasoning call took, how big the exchange
// was, how many parse passes were needed, and how it ended.
type Run struct {
	ID            string
	WorkerID      string
	TaskID        string
	StartedAt     time.Time
	EndedAt       *time.Time
	Elapsed       time.Duration
	Model         string
	Timeout       time.Duration
	RequestChars  int
	PromptChars   int
	ResultChars   int
	ParseAttempts int
	Fallback      bool
	ErrorCode     string // empty on success
	RawHead       string // first portion of raw model output
}
