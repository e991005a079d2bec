package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

var ErrUnsupportedMode = errors.New("unsupported deploy mode")

// Endpoints resolves the REST address and application id for a job by
// deploy mode: remote modes read the job's cluster record, orchestrator
// modes derive the in-cluster REST service name, and resource-manager
// modes go through the configured manager URL.
type Endpoints struct {
	store     store.Store
	resmgrURL string
}

func NewEndpoints(st store.Store, resmgrURL string) *Endpoints {
	return &Endpoints{store: st, resmgrURL: resmgrURL}
}

func (e *Endpoints) Resolve(ctx context.Context, job *models.Job) (address, appID string, err error) {
	switch job.DeployMode {
	case models.DeployStandaloneSession, models.DeployStandaloneApplication:
		cl, err := e.store.GetCluster(ctx, job.RemoteID)
		if err != nil {
			return "", "", fmt.Errorf("loading cluster record %s: %w", job.RemoteID, err)
		}
		appID = job.ClusterID
		if appID == "" {
			appID = cl.ClusterID
		}
		return cl.Address, appID, nil

	case models.DeployK8sSession, models.DeployK8sApplication:
		if job.ClusterID == "" || job.Namespace == "" {
			return "", "", fmt.Errorf("job %s missing cluster id or namespace", job.ID)
		}
		return fmt.Sprintf("http://%s-rest.%s", job.ClusterID, job.Namespace), job.ClusterID, nil

	case models.DeployResourcePerJob, models.DeployResourceApplication:
		if e.resmgrURL == "" {
			return "", "", errors.New("resource manager url not configured")
		}
		return e.resmgrURL, job.ClusterID, nil

	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedMode, job.DeployMode)
	}
}
