package tracing

// Span attribute keys. These are the semantic conventions for foreman
// spans; keep them stable so saved traces stay queryable.
const (
	AttrWorkerID   = "worker.id"
	AttrWorkerName = "worker.name"

	AttrTaskID     = "task.id"
	AttrTaskStatus = "task.status"
	AttrTaskDepth  = "task.depth"

	AttrCommandID   = "command.id"
	AttrCommandType = "command.type"

	AttrTriggerID = "trigger.id"

	AttrSessionRef = "session.ref"
	AttrModelTier  = "model.tier"
	AttrCostUSD    = "cost.usd"

	AttrDecomposeSubtasks = "decompose.subtasks"
	AttrDecomposeAttempts = "decompose.parse_attempts"
	AttrDecomposeFallback = "decompose.fallback"

	AttrErrorMessage = "error.message"
	AttrErrorCode    = "error.code"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixSupervisor = "supervisor."
	SpanPrefixScheduler  = "scheduler."
	SpanPrefixAgent      = "agent."
	SpanPrefixDecompose  = "decompose."
	SpanPrefixNotify     = "notify."
	SpanPrefixRepo       = "repo."
)

// Event names for span events.
const (
	EventCommandDispatched = "command.dispatched"
	EventTaskPromoted      = "task.promoted"
	EventTaskSpawned       = "task.spawned"
	EventTriggerFired      = "trigger.fired"
	EventResultParsed      = "result.parsed"
	EventDecomposeRetried  = "decompose.retried"
	EventErrorOccurred     = "error.occurred"
)
