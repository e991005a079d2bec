package deploy

import (
	"fmt"
	"path/filepath"

	"github.com/gridvane/flowdeck/pkg/models"
)

// BuildRequest is the variant-specific plan for one pipeline run: where
// the submittable artifact lives, which steps run in which order, and
// whether a container image must be resolved.
type BuildRequest struct {
	PipelineType models.PipelineType
	ArtifactDir  string // workspace-relative directory holding the submittable artifact
	EntryClass   string
	BuildImage   bool
	Steps        []string
}

// Strategy plans a build for one deploy mode.
type Strategy interface {
	Plan(job *models.Job) (*BuildRequest, error)
}

// Registry maps deploy modes to strategies. The set is closed: an
// unknown mode is a configuration error, not a silent default.
type Registry struct {
	strategies map[models.DeployMode]Strategy
}

// NewRegistry wires the built-in strategies for all supported modes.
func NewRegistry() *Registry {
	return &Registry{strategies: map[models.DeployMode]Strategy{
		models.DeployStandaloneSession:     standaloneStrategy{},
		models.DeployStandaloneApplication: standaloneStrategy{},
		models.DeployResourcePerJob:        resourceManagerStrategy{perJob: true},
		models.DeployResourceApplication:   resourceManagerStrategy{},
		models.DeployK8sSession:            k8sSessionStrategy{},
		models.DeployK8sApplication:        k8sApplicationStrategy{},
	}}
}

func (r *Registry) Lookup(mode models.DeployMode) (Strategy, error) {
	s, ok := r.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	return s, nil
}

const (
	stepPrepareWorkspace    = "prepare-workspace"
	stepResolveDependencies = "resolve-dependencies"
	stepBuildDistribution   = "build-distribution"
	stepResolveImage        = "resolve-image"
	stepStageRemote         = "stage-remote"
)

func jobDir(job *models.Job, sub string) string {
	return filepath.Join("jobs", job.ID.String(), sub)
}

func entryClass(job *models.Job, fallback string) string {
	if job.MainClass != "" {
		return job.MainClass
	}
	return fallback
}

// standaloneStrategy covers both remote modes: the artifact is staged
// locally and submitted to the standalone cluster's REST endpoint.
type standaloneStrategy struct{}

func (standaloneStrategy) Plan(job *models.Job) (*BuildRequest, error) {
	return &BuildRequest{
		PipelineType: models.PipelineStandalone,
		ArtifactDir:  jobDir(job, "lib"),
		EntryClass:   entryClass(job, "org.gridvane.flowdeck.boot.StandaloneEntry"),
		Steps: []string{
			stepPrepareWorkspace,
			stepResolveDependencies,
			stepBuildDistribution,
		},
	}, nil
}

// resourceManagerStrategy covers the resource-manager modes. The
// distribution is staged into the shared remote workspace the manager
// pulls from.
type resourceManagerStrategy struct {
	perJob bool
}

func (s resourceManagerStrategy) Plan(job *models.Job) (*BuildRequest, error) {
	typ := models.PipelineResourceApp
	if s.perJob {
		typ = models.PipelineResourcePerJob
	}
	return &BuildRequest{
		PipelineType: typ,
		ArtifactDir:  jobDir(job, "dist"),
		EntryClass:   entryClass(job, "org.gridvane.flowdeck.boot.ClusterEntry"),
		Steps: []string{
			stepPrepareWorkspace,
			stepResolveDependencies,
			stepBuildDistribution,
			stepStageRemote,
		},
	}, nil
}

// k8sSessionStrategy submits into an existing orchestrator session
// cluster; no image work is needed.
type k8sSessionStrategy struct{}

func (k8sSessionStrategy) Plan(job *models.Job) (*BuildRequest, error) {
	if job.ClusterID == "" {
		return nil, fmt.Errorf("job %s has no session cluster id", job.ID)
	}
	return &BuildRequest{
		PipelineType: models.PipelineK8sSession,
		ArtifactDir:  jobDir(job, "lib"),
		EntryClass:   entryClass(job, "org.gridvane.flowdeck.boot.ClusterEntry"),
		Steps: []string{
			stepPrepareWorkspace,
			stepResolveDependencies,
			stepBuildDistribution,
		},
	}, nil
}

// k8sApplicationStrategy bakes the artifact into a container image and
// pushes it before the cluster can run it.
type k8sApplicationStrategy struct{}

func (k8sApplicationStrategy) Plan(job *models.Job) (*BuildRequest, error) {
	if job.Image == "" {
		return nil, fmt.Errorf("job %s has no base image", job.ID)
	}
	return &BuildRequest{
		PipelineType: models.PipelineK8sApplication,
		ArtifactDir:  jobDir(job, "image"),
		EntryClass:   entryClass(job, "org.gridvane.flowdeck.boot.ApplicationEntry"),
		BuildImage:   true,
		Steps: []string{
			stepPrepareWorkspace,
			stepResolveDependencies,
			stepBuildDistribution,
			stepResolveImage,
		},
	}, nil
}
