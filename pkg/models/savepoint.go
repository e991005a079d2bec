package models

import (
	"time"

	"github.com/google/uuid"
)

// SavepointType distinguishes operator-triggered savepoints from
// automatic checkpoints. Retention pruning applies to checkpoints only.
type SavepointType string

const (
	TypeSavepoint  SavepointType = "savepoint"
	TypeCheckpoint SavepointType = "checkpoint"
)

// Savepoint is one recovery-point record for a job. At most one record
// per job carries Latest = true.
type Savepoint struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	Type        SavepointType
	Path        string
	Latest      bool
	TriggerTime time.Time
	CreatedAt   time.Time
}

// Operation names an auditable administrative action.
type Operation string

const (
	OpRelease   Operation = "release"
	OpSavepoint Operation = "savepoint"
	OpStart     Operation = "start"
	OpStop      Operation = "stop"
)

// OperationLog is an append-only audit row per operation. Success is a
// tri-state: nil means the outcome is inconclusive (a savepoint trigger
// that timed out is recorded but not classified as failure).
type OperationLog struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	Operation   Operation
	Success     *bool
	Detail      string // exception text on failure or timeout
	Actor       string
	TrackingURL string
	CreatedAt   time.Time
}

// Backup is a copy of a job's artifact/config directory tied to the
// configuration (and SQL, if applicable) revision it was taken under.
type Backup struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	ConfigID    *uuid.UUID
	SQLID       *uuid.UUID
	Version     int
	Path        string
	Description string
	CreatedAt   time.Time
}
