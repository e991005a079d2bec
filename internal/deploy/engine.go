package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/artifact"
	"github.com/gridvane/flowdeck/internal/cache"
	"github.com/gridvane/flowdeck/internal/config"
	"github.com/gridvane/flowdeck/internal/docker"
	"github.com/gridvane/flowdeck/internal/resource"
	"github.com/gridvane/flowdeck/internal/sqlsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/internal/worker"
	"github.com/gridvane/flowdeck/pkg/models"
)

// ImageResolver resolves the container image for an application-mode
// build, reporting phase progress as it goes.
type ImageResolver interface {
	Resolve(ctx context.Context, job *models.Job, buildDir string, onProgress docker.ProgressFunc) (string, error)
}

// Engine owns the build-and-deploy pipeline: it validates the launch,
// decides whether a rebuild is needed at all, plans the variant-specific
// steps, and executes them asynchronously while publishing run events.
type Engine struct {
	store     store.Store
	cache     cache.Cache
	stager    artifact.Stager
	ws        config.WorkspaceConfig
	merger    *resource.Merger
	sqls      *sqlsvc.Service
	images    ImageResolver
	registry  *Registry
	pool      *worker.Pool
	listeners []Listener
	logger    *slog.Logger
}

// Options carries the engine's collaborators. Images may be nil when no
// container-orchestrator application mode is in use.
type Options struct {
	Store     store.Store
	Cache     cache.Cache
	Stager    artifact.Stager
	Workspace config.WorkspaceConfig
	Merger    *resource.Merger
	SQLs      *sqlsvc.Service
	Images    ImageResolver
	Pool      *worker.Pool
	Listeners []Listener
	Logger    *slog.Logger
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		store:     opts.Store,
		cache:     opts.Cache,
		stager:    opts.Stager,
		ws:        opts.Workspace,
		merger:    opts.Merger,
		sqls:      opts.SQLs,
		images:    opts.Images,
		registry:  NewRegistry(),
		pool:      opts.Pool,
		listeners: opts.Listeners,
		logger:    opts.Logger,
	}
}

// Launch validates preconditions and starts a pipeline run for the job.
// It returns (true, nil) without starting a run when the job's content
// hash matches the last successful build: the launch is recorded in the
// audit log but no rebuild happens. forceBuild supersedes a run already
// in flight; without it a live run makes the launch fail.
func (e *Engine) Launch(ctx context.Context, jobID uuid.UUID, forceBuild bool, actor string) (bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	env, err := e.store.GetRuntimeEnv(ctx, job.EnvID)
	if err != nil {
		return false, fmt.Errorf("loading runtime env: %w", err)
	}
	if !env.VersionSupported() {
		return false, fmt.Errorf("%w: version %q", ErrEnvUnsupported, env.Version)
	}

	if !forceBuild {
		run, err := e.store.GetPipelineRun(ctx, jobID)
		switch {
		case err == nil && !run.Status.Terminal():
			return false, ErrBuildConflict
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return false, err
		}
	}

	// A rollback restores the backed-up revisions onto the job before
	// hashing, so the restored content drives the rebuild decision.
	if job.NeedRollback && job.Type.IsDeclarative() {
		if err := e.sqls.RestoreForRollback(ctx, job); err != nil {
			return false, fmt.Errorf("restoring rollback revisions: %w", err)
		}
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return false, err
		}
	}

	var definition string
	if job.Type.IsDeclarative() {
		rev, err := e.sqls.Resolve(ctx, job.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if rev != nil {
			definition = rev.Content
		}
	}
	mergedDep := e.merger.Merge(ctx, job.Dependency, job.TeamResources)

	hash := contentHash(job, definition, mergedDep)
	if hash == job.BuiltHash {
		e.recordSkipped(ctx, job, actor)
		return true, nil
	}
	job.ArtifactHash = hash

	strategy, err := e.registry.Lookup(job.DeployMode)
	if err != nil {
		return false, err
	}
	req, err := strategy.Plan(job)
	if err != nil {
		return false, err
	}

	if err := e.store.DeletePipelineRun(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err := e.cache.InvalidateDockerProgress(ctx, jobID); err != nil {
		e.logger.Warn("invalidating docker progress", "job_id", jobID, "error", err)
	}

	run := newRun(job, req)
	if err := e.store.ReplacePipelineRun(ctx, run); err != nil {
		return false, err
	}

	e.pool.Submit("pipeline-run", func() {
		e.execute(job, req, run, mergedDep)
	})
	return true, nil
}

// recordSkipped audits a launch that needed no rebuild. No run record is
// created or replaced.
func (e *Engine) recordSkipped(ctx context.Context, job *models.Job, actor string) {
	ok := true
	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Operation: models.OpRelease,
		Success:   &ok,
		Detail:    "build skipped, content unchanged since last release",
		Actor:     actor,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendOperationLog(ctx, entry); err != nil {
		e.logger.Error("recording skipped release", "job_id", job.ID, "error", err)
	}
}

func newRun(job *models.Job, req *BuildRequest) *models.PipelineRun {
	steps := make([]models.Step, len(req.Steps))
	for i, name := range req.Steps {
		steps[i] = models.Step{Seq: i + 1, Name: name, Status: models.StepWaiting}
	}
	return &models.PipelineRun{
		JobID:     job.ID,
		Type:      req.PipelineType,
		Status:    models.PipelinePending,
		Steps:     steps,
		UpdatedAt: time.Now(),
	}
}

// execute runs the planned steps in order on the worker pool. It owns
// its own context: the launch request has long since returned.
func (e *Engine) execute(job *models.Job, req *BuildRequest, run *models.PipelineRun, mergedDep string) {
	ctx := context.Background()

	now := time.Now()
	run.Status = models.PipelineRunning
	run.StartedAt = &now
	run.UpdatedAt = now

	for _, l := range e.listeners {
		if err := l.OnStart(ctx, job, run); err != nil {
			e.finish(ctx, job, run, err)
			return
		}
	}

	for i := range run.Steps {
		step := &run.Steps[i]
		started := time.Now()
		step.Status = models.StepRunning
		step.StartedAt = &started
		run.CurStep = i + 1
		run.UpdatedAt = started
		e.notifyStep(ctx, job, run)

		detail, err := e.runStep(ctx, job, req, step.Name, mergedDep)
		ended := time.Now()
		step.EndedAt = &ended
		run.UpdatedAt = ended
		if err != nil {
			step.Status = models.StepFailure
			step.Log = err.Error()
			e.notifyStep(ctx, job, run)
			e.finish(ctx, job, run, fmt.Errorf("step %s: %w", step.Name, err))
			return
		}
		step.Status = models.StepSuccess
		step.Log = detail
		e.notifyStep(ctx, job, run)
	}

	e.finish(ctx, job, run, nil)
}

func (e *Engine) notifyStep(ctx context.Context, job *models.Job, run *models.PipelineRun) {
	for _, l := range e.listeners {
		l.OnStepChange(ctx, job, run)
	}
}

func (e *Engine) finish(ctx context.Context, job *models.Job, run *models.PipelineRun, cause error) {
	now := time.Now()
	run.EndedAt = &now
	run.UpdatedAt = now
	if cause != nil {
		run.Status = models.PipelineFailure
		run.Pass = false
		run.Error = cause.Error()
		e.logger.Error("pipeline failed", "job_id", job.ID, "error", cause)
	} else {
		run.Status = models.PipelineSuccess
		run.Pass = true
		e.logger.Info("pipeline finished", "job_id", job.ID, "type", run.Type)
	}
	for _, l := range e.listeners {
		l.OnFinish(ctx, job, run)
	}
}

func (e *Engine) runStep(ctx context.Context, job *models.Job, req *BuildRequest, name, mergedDep string) (string, error) {
	switch name {
	case stepPrepareWorkspace:
		return e.prepareWorkspace(job, req)
	case stepResolveDependencies:
		return e.resolveDependencies(job, req, mergedDep)
	case stepBuildDistribution:
		return e.buildDistribution(job, req)
	case stepResolveImage:
		return e.resolveImage(ctx, job, req)
	case stepStageRemote:
		return e.stageRemote(job, req)
	default:
		return "", fmt.Errorf("unknown pipeline step %q", name)
	}
}

func (e *Engine) prepareWorkspace(job *models.Job, req *BuildRequest) (string, error) {
	for _, dir := range []string{req.ArtifactDir, jobDir(job, "upload")} {
		if err := e.stager.Mkdirs(dir); err != nil {
			return "", err
		}
	}
	return "workspace ready at " + req.ArtifactDir, nil
}

func (e *Engine) resolveDependencies(job *models.Job, req *BuildRequest, mergedDep string) (string, error) {
	dep, err := resource.ParseDependency(mergedDep)
	if err != nil {
		return "", fmt.Errorf("parsing dependency descriptor: %w", err)
	}
	for _, jar := range dep.Jars {
		ok, err := e.stager.Exists(jar)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingDependency, jar)
		}
		dst := filepath.Join(req.ArtifactDir, filepath.Base(jar))
		if err := e.stager.Copy(jar, dst); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d jars, %d coordinates resolved", len(dep.Jars), len(dep.Coordinates)), nil
}

func (e *Engine) buildDistribution(job *models.Job, req *BuildRequest) (string, error) {
	if job.Artifact == "" {
		return "definition-only distribution", nil
	}
	src := jobDir(job, filepath.Join("upload", filepath.Base(job.Artifact)))
	dst := filepath.Join(req.ArtifactDir, filepath.Base(job.Artifact))
	if err := e.stager.Copy(src, dst); err != nil {
		return "", err
	}
	sum, err := e.stager.Checksum(dst)
	if err != nil {
		return "", err
	}
	return "distribution " + filepath.Base(job.Artifact) + " sha256:" + sum, nil
}

func (e *Engine) resolveImage(ctx context.Context, job *models.Job, req *BuildRequest) (string, error) {
	if e.images == nil {
		return "", errors.New("no image resolver configured")
	}
	buildDir := req.ArtifactDir
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(e.ws.Local, buildDir)
	}
	ref, err := e.images.Resolve(ctx, job, buildDir, func(snap models.DockerProgress) {
		if err := e.cache.SetDockerProgress(ctx, &snap); err != nil {
			e.logger.Warn("caching docker progress", "job_id", job.ID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	return "image " + ref, nil
}

func (e *Engine) stageRemote(job *models.Job, req *BuildRequest) (string, error) {
	dst := filepath.Join(e.ws.Remote, "jobs", job.ID.String())
	if err := e.stager.CopyDir(req.ArtifactDir, dst); err != nil {
		return "", err
	}
	return "staged to " + dst, nil
}

// contentHash digests the artifact-affecting fields of a job plus its
// resolved definition and merged dependency descriptor. Equal hashes
// mean the last successful build is still valid.
func contentHash(job *models.Job, definition, mergedDep string) string {
	h := sha256.New()
	for _, part := range []string{
		job.Artifact,
		job.MainClass,
		job.Image,
		strings.TrimSpace(job.DynamicProps),
		mergedDep,
		definition,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
