// Package models defines the persistent domain entities shared across
// FlowDeck services. The Job is the root entity; every other record is
// owned by exactly one Job and is backed up or deleted as a unit with it.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes how a job's submittable artifact is defined.
type JobType string

const (
	JobTypeJar    JobType = "jar"    // precompiled artifact uploaded by the user
	JobTypeSQL    JobType = "sql"    // declarative definition, compiled at deploy time
	JobTypeScript JobType = "script" // interpreted entry script plus dependencies
)

// IsDeclarative reports whether the job is defined by a declarative
// definition (candidate/effective SQL revisions) rather than an artifact.
func (t JobType) IsDeclarative() bool {
	return t == JobTypeSQL || t == JobTypeScript
}

// DeployMode selects the pipeline variant and the connection parameters
// used when talking to the cluster manager. The set is closed: code that
// switches on it must fail loudly for anything else.
type DeployMode string

const (
	DeployStandaloneSession     DeployMode = "standalone-session"
	DeployStandaloneApplication DeployMode = "standalone-application"
	DeployResourcePerJob        DeployMode = "resmgr-per-job"
	DeployResourceApplication   DeployMode = "resmgr-application"
	DeployK8sSession            DeployMode = "k8s-session"
	DeployK8sApplication        DeployMode = "k8s-application"
)

// IsRemote reports whether the job talks to a standalone cluster over its
// REST address (host/port) instead of a resource-manager/orchestrator id.
func (m DeployMode) IsRemote() bool {
	return m == DeployStandaloneSession || m == DeployStandaloneApplication
}

// Valid reports whether m is one of the supported deploy modes.
func (m DeployMode) Valid() bool {
	switch m {
	case DeployStandaloneSession, DeployStandaloneApplication,
		DeployResourcePerJob, DeployResourceApplication,
		DeployK8sSession, DeployK8sApplication:
		return true
	}
	return false
}

// RunState is the internal classification of the cluster manager's
// reported state for a job.
type RunState string

const (
	RunStateAccepted  RunState = "accepted"
	RunStateRunning   RunState = "running"
	RunStateFinished  RunState = "finished"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStateLost      RunState = "lost"
	// RunStateUnknown marks an external state string we do not recognize.
	// The watcher ignores it rather than treating it as an error.
	RunStateUnknown RunState = "unknown"
)

// IsTerminal reports whether the state ends tracking for the job.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateFinished, RunStateFailed, RunStateCancelled, RunStateLost:
		return true
	}
	return false
}

// MapClusterState maps the cluster manager's state string to a RunState.
// Transient or unrecognized strings map to RunStateUnknown.
func MapClusterState(state string) RunState {
	switch state {
	case "ACCEPTED", "SUBMITTED", "NEW", "NEW_SAVING":
		return RunStateAccepted
	case "RUNNING":
		return RunStateRunning
	case "FINISHED":
		return RunStateFinished
	case "FAILED":
		return RunStateFailed
	case "KILLED", "CANCELED", "CANCELLED":
		return RunStateCancelled
	case "LOST":
		return RunStateLost
	default:
		return RunStateUnknown
	}
}

// ReleaseState tracks where a job is in its build-and-deploy lifecycle.
type ReleaseState string

const (
	ReleaseNeedRelease  ReleaseState = "need-release"
	ReleaseReleasing    ReleaseState = "releasing"
	ReleaseDone         ReleaseState = "done"
	ReleaseNeedRestart  ReleaseState = "need-restart"
	ReleaseFailed       ReleaseState = "failed"
	ReleaseNeedRollback ReleaseState = "need-rollback"
)

// OptionState marks an administrative action in flight for a job.
// At most one action is in flight at a time.
type OptionState string

const (
	OptionNone         OptionState = "none"
	OptionStarting     OptionState = "starting"
	OptionStopping     OptionState = "stopping"
	OptionSavepointing OptionState = "savepointing"
)

// InFlight reports whether an administrative action is underway. The
// zero value reads the same as OptionNone.
func (s OptionState) InFlight() bool {
	return s != "" && s != OptionNone
}

// StopReason records who stopped a job's tracking and why.
type StopReason string

const (
	StopByOperator StopReason = "operator" // administrative stop through FlowDeck
	StopExternal   StopReason = "external" // stopped outside FlowDeck's control
)

// Well-known configuration keys shared by the savepoint resolver chain,
// the effective job configuration and the runtime environment defaults.
const (
	KeySavepointDir        = "state.savepoints.dir"
	KeyCheckpointEnabled   = "execution.checkpointing.enabled"
	KeyRetainedCheckpoints = "state.checkpoints.num-retained"
)

// Metrics holds the fine-grained task/stage counters pulled from the
// application endpoint while a job is running. All fields are nullable:
// they are cleared before the final persistence write of a terminal job.
type Metrics struct {
	NumTasks           *int64 `json:"numTasks,omitempty"`
	NumCompletedTasks  *int64 `json:"numCompletedTasks,omitempty"`
	NumStages          *int64 `json:"numStages,omitempty"`
	NumCompletedStages *int64 `json:"numCompletedStages,omitempty"`
	UsedMemoryMB       *int64 `json:"usedMemoryMB,omitempty"`
	UsedCores          *int64 `json:"usedCores,omitempty"`
}

// Job is the root entity of the control plane.
type Job struct {
	ID         uuid.UUID
	Name       string
	Type       JobType
	DeployMode DeployMode

	// External identity on the cluster manager.
	ClusterID string    // cluster-manager application/cluster id, set on submit
	RemoteID  uuid.UUID // standalone cluster record, only for remote modes
	Namespace string    // container-orchestrator namespace
	EnvID     uuid.UUID // bound runtime environment

	State       RunState
	Release     ReleaseState
	OptionState OptionState
	OptionTime  *time.Time
	Tracking    bool

	// Artifact-affecting fields. ArtifactHash is the content hash the
	// engine compares to decide whether a rebuild is actually required.
	Artifact      string
	ArtifactHash  string
	BuiltHash     string // hash recorded by the last successful build
	MainClass     string
	Image         string // base image, container-orchestrator modes only
	DynamicProps  string // ad-hoc runtime property overrides, one key=value per line
	Dependency    string // dependency descriptor, JSON
	TeamResources string // shared resource ids, JSON array
	NeedRollback  bool

	AlertID *uuid.UUID

	StartTime *time.Time
	EndTime   *time.Time
	Duration  int64 // milliseconds, recomputed while running
	Metrics   Metrics

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// DynamicPropsMap parses the job's ad-hoc runtime property overrides.
// One property per line, "key=value", with an optional -D prefix. Lines
// that do not parse are skipped.
func (j *Job) DynamicPropsMap() map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(j.DynamicProps, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "-D")
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if key != "" && val != "" {
			out[key] = val
		}
	}
	return out
}

// IsRunning reports whether the cluster manager last reported the job
// as running.
func (j *Job) IsRunning() bool {
	return j.State == RunStateRunning
}

// ClearMetrics resets the running metrics before a terminal persistence
// write so finished jobs do not retain stale counters.
func (j *Job) ClearMetrics() {
	j.Metrics = Metrics{}
}
