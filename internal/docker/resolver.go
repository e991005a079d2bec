// Package docker resolves the container image for orchestrator
// application deploys: pull the base image, build the job image on top
// of the staged artifact, push it to the configured registry. Each phase
// streams progress snapshots to a callback so the pipeline can cache
// them for polling.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/config"
	"github.com/gridvane/flowdeck/pkg/models"
)

// ProgressFunc receives phase progress snapshots as they stream in.
type ProgressFunc func(models.DockerProgress)

// Resolver drives the pull/build/push cycle against the local daemon.
type Resolver struct {
	client    *client.Client
	registry  string
	namespace string
	auth      string
	logger    *slog.Logger
}

func NewResolver(cfg config.DockerConfig, logger *slog.Logger) (*Resolver, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	auth := ""
	if cfg.Username != "" {
		payload, err := json.Marshal(registry.AuthConfig{
			Username:      cfg.Username,
			Password:      cfg.Password,
			ServerAddress: cfg.Registry,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding registry auth: %w", err)
		}
		auth = base64.URLEncoding.EncodeToString(payload)
	}

	return &Resolver{
		client:    dockerClient,
		registry:  cfg.Registry,
		namespace: cfg.Namespace,
		auth:      auth,
		logger:    logger,
	}, nil
}

func (r *Resolver) Close() error {
	return r.client.Close()
}

func (r *Resolver) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Resolve produces the job image: pulls job.Image as the base, builds
// the staged buildDir (which must contain a Dockerfile) on top of it and
// pushes the result. Returns the pushed reference.
func (r *Resolver) Resolve(ctx context.Context, job *models.Job, buildDir string, onProgress ProgressFunc) (string, error) {
	if job.Image == "" {
		return "", fmt.Errorf("job %s has no base image", job.ID)
	}

	if err := r.pull(ctx, job.ID, job.Image, onProgress); err != nil {
		return "", fmt.Errorf("pulling base image %s: %w", job.Image, err)
	}

	ref := r.imageRef(job)
	if err := r.build(ctx, job.ID, ref, buildDir, onProgress); err != nil {
		return "", fmt.Errorf("building image %s: %w", ref, err)
	}

	if err := r.push(ctx, job.ID, ref, onProgress); err != nil {
		return "", fmt.Errorf("pushing image %s: %w", ref, err)
	}

	r.logger.Info("job image resolved", "job_id", job.ID, "image", ref)
	return ref, nil
}

var unsafeRefChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// imageRef derives the target reference from the job name and build
// hash so every build of changed content gets a distinct tag.
func (r *Resolver) imageRef(job *models.Job) string {
	name := unsafeRefChars.ReplaceAllString(strings.ToLower(job.Name), "-")
	tag := job.ArtifactHash
	if len(tag) > 12 {
		tag = tag[:12]
	}
	if tag == "" {
		tag = "latest"
	}
	if r.registry == "" {
		return fmt.Sprintf("%s/%s:%s", r.namespace, name, tag)
	}
	return fmt.Sprintf("%s/%s/%s:%s", r.registry, r.namespace, name, tag)
}

func (r *Resolver) pull(ctx context.Context, jobID uuid.UUID, ref string, onProgress ProgressFunc) error {
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: r.auth})
	if err != nil {
		return err
	}
	defer reader.Close()
	return r.streamProgress(jobID, models.DockerPull, ref, reader, onProgress)
}

func (r *Resolver) build(ctx context.Context, jobID uuid.UUID, ref, buildDir string, onProgress ProgressFunc) error {
	buildCtx, err := tarDirectory(buildDir)
	if err != nil {
		return fmt.Errorf("packing build context: %w", err)
	}

	resp, err := r.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{ref},
		Remove:     true,
		PullParent: false,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return r.streamProgress(jobID, models.DockerBuild, ref, resp.Body, onProgress)
}

func (r *Resolver) push(ctx context.Context, jobID uuid.UUID, ref string, onProgress ProgressFunc) error {
	reader, err := r.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: r.auth})
	if err != nil {
		return err
	}
	defer reader.Close()
	return r.streamProgress(jobID, models.DockerPush, ref, reader, onProgress)
}

// streamProgress decodes the daemon's json message stream, aggregating
// per-layer progress into a single percentage per phase. A stream error
// message fails the phase.
func (r *Resolver) streamProgress(jobID uuid.UUID, phase models.DockerPhase, ref string, stream io.Reader, onProgress ProgressFunc) error {
	layers := make(map[string]float64)
	dec := json.NewDecoder(stream)

	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decoding daemon stream: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("daemon reported: %s", msg.Error.Message)
		}

		if msg.ID != "" && msg.Progress != nil && msg.Progress.Total > 0 {
			layers[msg.ID] = float64(msg.Progress.Current) / float64(msg.Progress.Total)
		}

		detail := msg.Status
		if detail == "" {
			detail = strings.TrimSpace(msg.Stream)
		}
		if onProgress == nil || detail == "" {
			continue
		}
		onProgress(models.DockerProgress{
			JobID:     jobID,
			Phase:     phase,
			Image:     ref,
			Percent:   aggregate(layers),
			Detail:    detail,
			UpdatedAt: time.Now().UTC(),
		})
	}

	if onProgress != nil {
		onProgress(models.DockerProgress{
			JobID:     jobID,
			Phase:     phase,
			Image:     ref,
			Percent:   100,
			UpdatedAt: time.Now().UTC(),
		})
	}
	return nil
}

func aggregate(layers map[string]float64) float64 {
	if len(layers) == 0 {
		return 0
	}
	var sum float64
	for _, f := range layers {
		sum += f
	}
	return sum / float64(len(layers)) * 100
}

// tarDirectory packs dir into an in-memory tar archive for ImageBuild.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
