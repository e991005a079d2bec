// Package savepoint implements the savepoint/checkpoint coordinator:
// recovery-point directory resolution, asynchronous triggers with a
// bounded wait, and checkpoint retention.
package savepoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gridvane/flowdeck/internal/cluster"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

var ErrNoDirectory = errors.New("no savepoint directory configured")

// Source yields one candidate value for a resolver chain. ok=false means
// the source has nothing to contribute and the next one is consulted.
type Source func(ctx context.Context) (value string, ok bool, err error)

// Chain resolves the first non-blank value its sources produce, in
// order. A source error stops the chain.
type Chain []Source

func (c Chain) Resolve(ctx context.Context) (string, bool, error) {
	for _, src := range c {
		val, ok, err := src(ctx)
		if err != nil {
			return "", false, err
		}
		if ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val), true, nil
		}
	}
	return "", false, nil
}

// Resolver builds the directory and retention chains for a job. The same
// override-shadowing precedence applies to both: ad-hoc dynamic
// properties win, then job-level configuration, then the deploy layer.
type Resolver struct {
	store           store.Store
	configs         *configsvc.Service
	client          cluster.Client
	defaultRetained int
}

func NewResolver(st store.Store, configs *configsvc.Service, client cluster.Client, defaultRetained int) *Resolver {
	return &Resolver{
		store:           st,
		configs:         configs,
		client:          client,
		defaultRetained: defaultRetained,
	}
}

// Directory resolves the recovery-point target directory for a job.
func (r *Resolver) Directory(ctx context.Context, job *models.Job) (string, error) {
	chain := Chain{
		r.fromDynamicProps(job, models.KeySavepointDir),
		r.fromEffectiveConfig(job),
		r.fromDeployLayer(job),
	}
	dir, ok, err := chain.Resolve(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w for job %s", ErrNoDirectory, job.ID)
	}
	return dir, nil
}

// RetainedCheckpoints resolves the checkpoint retention threshold. A
// missing or non-positive resolved value falls back to the configured
// default.
func (r *Resolver) RetainedCheckpoints(ctx context.Context, job *models.Job) int {
	chain := Chain{
		r.fromDynamicProps(job, models.KeyRetainedCheckpoints),
		r.fromEnvDefaults(job, models.KeyRetainedCheckpoints),
	}
	val, ok, err := chain.Resolve(ctx)
	if err != nil || !ok {
		return r.defaultRetained
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return r.defaultRetained
	}
	return n
}

func (r *Resolver) fromDynamicProps(job *models.Job, key string) Source {
	return func(context.Context) (string, bool, error) {
		val, ok := job.DynamicPropsMap()[key]
		return val, ok, nil
	}
}

// fromEffectiveConfig consults the job's effective configuration, for
// declarative jobs only and only while that configuration has
// checkpointing enabled.
func (r *Resolver) fromEffectiveConfig(job *models.Job) Source {
	return func(ctx context.Context) (string, bool, error) {
		if !job.Type.IsDeclarative() {
			return "", false, nil
		}
		values, err := r.configs.EffectiveValues(ctx, job.ID)
		if err != nil {
			if errors.Is(err, configsvc.ErrNoEffective) {
				return "", false, nil
			}
			return "", false, err
		}
		if values[models.KeyCheckpointEnabled] != "true" {
			return "", false, nil
		}
		val, ok := values[models.KeySavepointDir]
		return val, ok, nil
	}
}

// fromDeployLayer is the last resort: the bound runtime environment's
// default configuration for non-remote modes, the live cluster's
// reported configuration for remote modes.
func (r *Resolver) fromDeployLayer(job *models.Job) Source {
	return func(ctx context.Context) (string, bool, error) {
		if job.DeployMode.IsRemote() {
			cl, err := r.store.GetCluster(ctx, job.RemoteID)
			if err != nil {
				return "", false, fmt.Errorf("loading cluster record %s: %w", job.RemoteID, err)
			}
			conf, err := r.client.Config(ctx, cl.Address)
			if err != nil {
				return "", false, fmt.Errorf("reading live cluster config: %w", err)
			}
			val, ok := conf[models.KeySavepointDir]
			return val, ok, nil
		}
		return r.envDefault(ctx, job, models.KeySavepointDir)
	}
}

func (r *Resolver) fromEnvDefaults(job *models.Job, key string) Source {
	return func(ctx context.Context) (string, bool, error) {
		return r.envDefault(ctx, job, key)
	}
}

func (r *Resolver) envDefault(ctx context.Context, job *models.Job, key string) (string, bool, error) {
	env, err := r.store.GetRuntimeEnv(ctx, job.EnvID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading runtime environment: %w", err)
	}
	val, ok := env.Conf[key]
	return val, ok, nil
}
