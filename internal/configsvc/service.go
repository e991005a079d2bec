// Package configsvc manages versioned job configuration. Revisions are
// immutable; routing between "latest" (deferred until the next deploy of
// a running job) and "effective" (governing the next deploy) happens on
// every create or update.
package configsvc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

var (
	ErrBadFormat     = errors.New("unsupported configuration format")
	ErrEmptyContent  = errors.New("configuration content is empty")
	ErrRevisionInUse = errors.New("revision is effective and cannot be deleted")
	ErrNoEffective   = errors.New("job has no effective configuration")
)

// Service implements the versioned configuration store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// DecodeContent decodes a submitted payload. Payloads arrive
// base64-encoded; plain text is accepted as-is for convenience.
func DecodeContent(raw string) string {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return strings.TrimSpace(string(decoded))
	}
	return strings.TrimSpace(raw)
}

func validFormat(format string) bool {
	switch format {
	case "yaml", "properties", "conf":
		return true
	}
	return false
}

// Create decodes and normalizes the submitted content, persists it as
// the job's next sequential revision, and routes it latest-or-effective.
func (s *Service) Create(ctx context.Context, jobID uuid.UUID, raw, format string, latest bool) (*models.ConfigRevision, error) {
	if !validFormat(format) {
		return nil, fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
	content := DecodeContent(raw)
	if content == "" {
		return nil, ErrEmptyContent
	}

	rev := &models.ConfigRevision{
		ID:      uuid.New(),
		JobID:   jobID,
		Content: content,
		Format:  format,
	}
	if err := s.store.CreateConfigRevision(ctx, rev); err != nil {
		return nil, fmt.Errorf("creating config revision: %w", err)
	}

	if err := s.SetLatestOrEffective(ctx, latest, rev.ID, jobID); err != nil {
		return nil, err
	}
	return rev, nil
}

// SetLatestOrEffective routes a revision. latest=true flips exactly one
// revision of the job to latest (the flip is atomic at the persistence
// layer); otherwise the revision becomes the effective one.
func (s *Service) SetLatestOrEffective(ctx context.Context, latest bool, revID, jobID uuid.UUID) error {
	if latest {
		if err := s.store.SetLatestConfig(ctx, jobID, revID); err != nil {
			return fmt.Errorf("marking latest config: %w", err)
		}
		return nil
	}
	return s.ToEffective(ctx, jobID, revID)
}

// ToEffective points the job's effective configuration at revID and
// clears any lingering latest mark on it.
func (s *Service) ToEffective(ctx context.Context, jobID, revID uuid.UUID) error {
	if err := s.store.SaveEffectivePointer(ctx, jobID, models.EffectiveConfig, revID); err != nil {
		return fmt.Errorf("saving effective pointer: %w", err)
	}
	return nil
}

// Update applies a content change. Declarative jobs diff against the
// currently effective revision; other jobs diff against the revision
// named by revID, or the effective one when revID is nil. An identical
// payload only re-routes latest/effective; a differing payload replaces
// the prior latest revision with a new one.
func (s *Service) Update(ctx context.Context, job *models.Job, raw, format string, revID *uuid.UUID, latest bool) (*models.ConfigRevision, error) {
	if !validFormat(format) {
		return nil, fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
	content := DecodeContent(raw)

	base, err := s.diffBase(ctx, job, revID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if base != nil && base.Content == content {
		if err := s.SetLatestOrEffective(ctx, latest, base.ID, job.ID); err != nil {
			return nil, err
		}
		return base, nil
	}

	// New content supersedes the previous latest revision outright.
	if prev, err := s.store.GetLatestConfig(ctx, job.ID); err == nil {
		if err := s.store.DeleteConfigRevision(ctx, prev.ID); err != nil {
			return nil, fmt.Errorf("deleting superseded revision: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading latest config: %w", err)
	}

	rev := &models.ConfigRevision{
		ID:      uuid.New(),
		JobID:   job.ID,
		Content: content,
		Format:  format,
	}
	if err := s.store.CreateConfigRevision(ctx, rev); err != nil {
		return nil, fmt.Errorf("creating config revision: %w", err)
	}
	if err := s.SetLatestOrEffective(ctx, latest, rev.ID, job.ID); err != nil {
		return nil, err
	}
	s.logger.Info("config revision replaced",
		"job_id", job.ID, "revision_id", rev.ID, "latest", latest)
	return rev, nil
}

// diffBase picks the revision an update is compared against. Declarative
// jobs always compare against what is live; imperative jobs may edit a
// specific historical revision.
func (s *Service) diffBase(ctx context.Context, job *models.Job, revID *uuid.UUID) (*models.ConfigRevision, error) {
	if !job.Type.IsDeclarative() && revID != nil {
		return s.store.GetConfigRevision(ctx, *revID)
	}
	return s.store.GetEffectiveConfig(ctx, job.ID)
}

func (s *Service) GetLatest(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	return s.store.GetLatestConfig(ctx, jobID)
}

func (s *Service) GetEffective(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	rev, err := s.store.GetEffectiveConfig(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoEffective
	}
	return rev, err
}

func (s *Service) List(ctx context.Context, jobID uuid.UUID) ([]*models.ConfigRevision, error) {
	return s.store.ListConfigRevisions(ctx, jobID)
}

// Delete removes a historical revision. The effective revision is
// protected; delete the pointer target only through rollback flows.
func (s *Service) Delete(ctx context.Context, jobID, revID uuid.UUID) error {
	if eff, err := s.store.GetEffectiveConfig(ctx, jobID); err == nil && eff.ID == revID {
		return ErrRevisionInUse
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.store.DeleteConfigRevision(ctx, revID)
}

// EffectiveValues parses the effective configuration into a flat key
// value map. Only simple "key = value" and "key: value" lines are
// understood; checkpointing-related keys are the consumers here.
func (s *Service) EffectiveValues(ctx context.Context, jobID uuid.UUID) (map[string]string, error) {
	rev, err := s.GetEffective(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return ParseFlat(rev.Content), nil
}

// ParseFlat extracts flat key/value pairs from properties- or yaml-style
// content. Nested yaml structures are ignored.
func ParseFlat(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var key, val string
		if i := strings.Index(line, "="); i > 0 {
			key, val = line[:i], line[i+1:]
		} else if i := strings.Index(line, ":"); i > 0 {
			key, val = line[:i], line[i+1:]
		} else {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key != "" && val != "" {
			out[key] = val
		}
	}
	return out
}
