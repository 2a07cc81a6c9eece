package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger is a cron-style schedule that injects a root task into a worker
// when it fires. The supervisor evaluates triggers once per scan and
// records an idempotency key so a minute fires at most once.
type Trigger struct {
	ID           string
	WorkerName   string // target worker, resolved (or created) at fire time
	Title        string
	Prompt       string
	CronExpr     string // five-field cron, evaluated in UTC
	Skills       []string
	ModelTier    ModelTier
	CapabilityID string
	Enabled      bool
	LastRun      *time.Time
	NextRun      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FireKey returns the idempotency key for a firing at the given minute.
// Writing the key is the commit point: a key that already exists means the
// firing happened, even if the task insert raced a crash.
func (t *Trigger) FireKey(minute time.Time) string {
	return fmt.Sprintf("cron:%s:%s", t.ID, minute.UTC().Format("2006-01-02T15:04"))
}

// ConnectorTransport selects how a connector process is reached.
type ConnectorTransport string

const (
	TransportPipe ConnectorTransport = "pipe"
	TransportHTTP ConnectorTransport = "http"
)

// Connector is a registered external connector configuration. The config
// blob is opaque to the store and merged with built-in defaults by the
// consumer. Credentials never live in the blob; they are resolved from
// the environment at use time.
type Connector struct {
	Name      string
	RoleScope string // empty means all roles
	Transport ConnectorTransport
	Config    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}
