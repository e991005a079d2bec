package models

import (
	"time"

	"github.com/google/uuid"
)

// PipelineType identifies the deploy-mode-specific pipeline variant that
// produced a run.
type PipelineType string

const (
	PipelineStandalone     PipelineType = "standalone"
	PipelineResourcePerJob PipelineType = "resmgr-per-job"
	PipelineResourceApp    PipelineType = "resmgr-application"
	PipelineK8sSession     PipelineType = "k8s-session"
	PipelineK8sApplication PipelineType = "k8s-application"
)

// PipelineStatus is the overall status of a pipeline run.
type PipelineStatus string

const (
	PipelinePending PipelineStatus = "pending"
	PipelineRunning PipelineStatus = "running"
	PipelineSuccess PipelineStatus = "success"
	PipelineFailure PipelineStatus = "failure"
)

// Terminal reports whether the run has recorded its final result.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineSuccess || s == PipelineFailure
}

// StepStatus is the status of a single pipeline step.
type StepStatus string

const (
	StepWaiting StepStatus = "waiting"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
)

// Step is one entry of a pipeline run's ordered step list.
type Step struct {
	Seq       int        `json:"seq"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Log       string     `json:"log,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// PipelineRun records one build-and-deploy attempt. At most one run per
// job is persisted at a time: a new launch replaces the prior record.
type PipelineRun struct {
	JobID     uuid.UUID
	Type      PipelineType
	Status    PipelineStatus
	Steps     []Step
	CurStep   int
	Pass      bool   // final result, meaningful once Status is terminal
	Error     string // failure detail, set when Pass is false
	StartedAt *time.Time
	EndedAt   *time.Time
	UpdatedAt time.Time
}

// DockerPhase names one of the container image resolution phases whose
// progress is cached per job.
type DockerPhase string

const (
	DockerPull  DockerPhase = "pull"
	DockerBuild DockerPhase = "build"
	DockerPush  DockerPhase = "push"
)

// DockerProgress is a point-in-time snapshot of one image resolution
// phase. Snapshots are ephemeral: overwritten on each progress event and
// expired by the cache, never persisted relationally.
type DockerProgress struct {
	JobID     uuid.UUID   `json:"jobId"`
	Phase     DockerPhase `json:"phase"`
	Image     string      `json:"image"`
	Percent   float64     `json:"percent"`
	Detail    string      `json:"detail,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
