package models

import (
	"time"

	"github.com/google/uuid"
)

// ConfigRevision is one immutable version of a job's configuration.
// Content is never mutated in place: new content means a new revision
// with the next sequential version number. At most one revision per job
// carries Latest = true; the effective revision is tracked separately by
// an EffectivePointer.
type ConfigRevision struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Version   int
	Content   string
	Format    string // "yaml" | "properties" | "conf"
	Latest    bool
	CreatedAt time.Time
}

// EffectiveKind selects which revision family an effective pointer
// refers to.
type EffectiveKind string

const (
	EffectiveConfig EffectiveKind = "config"
	EffectiveSQL    EffectiveKind = "sql"
)

// EffectivePointer records the single revision that governs the next
// deploy of a job, per kind.
type EffectivePointer struct {
	JobID     uuid.UUID
	Kind      EffectiveKind
	TargetID  uuid.UUID
	UpdatedAt time.Time
}

// CandidateType marks a declarative definition revision that is pending
// promotion to effective.
type CandidateType string

const (
	CandidateNone CandidateType = "none"
	CandidateNew  CandidateType = "new"
)

// SQLRevision is one version of a declarative job definition. SQL-type
// jobs carry a pending "new" candidate and an effective revision; the
// pipeline prefers the candidate and promotes it on a successful build.
type SQLRevision struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	Version       int
	Content       string
	Dependency    string // dependency descriptor, JSON
	TeamResources string // shared resource ids, JSON array
	Candidate     CandidateType
	CreatedAt     time.Time
}
