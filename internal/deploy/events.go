package deploy

import (
	"context"

	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/pkg/models"
)

// Listener observes the three pipeline events. The engine publishes;
// the persistence and alerting adapters subscribe independently.
//
// OnStart may veto the run: a returned error fails the pipeline before
// any step executes. Step-change and finish notifications cannot.
type Listener interface {
	OnStart(ctx context.Context, job *models.Job, run *models.PipelineRun) error
	OnStepChange(ctx context.Context, job *models.Job, run *models.PipelineRun)
	OnFinish(ctx context.Context, job *models.Job, run *models.PipelineRun)
}

// Announcer hands a job (back) to the status watcher for tracking and
// mirrors the starting marker while a release is underway.
type Announcer interface {
	Announce(job *models.Job)
	MarkOption(jobID uuid.UUID, state models.OptionState)
	ClearOption(jobID uuid.UUID)
}

// NopAnnouncer is used until a watcher is wired, and in tests.
type NopAnnouncer struct{}

func (NopAnnouncer) Announce(*models.Job) {}
func (NopAnnouncer) MarkOption(uuid.UUID, models.OptionState) {}
func (NopAnnouncer) ClearOption(uuid.UUID) {}
