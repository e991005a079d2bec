// Package sqlsvc manages declarative job definitions. Each SQL-type job
// carries at most one pending candidate revision and one effective
// revision; the pipeline builds from the candidate and promotes it once
// the build passes.
package sqlsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

var (
	ErrEmptyDefinition = errors.New("definition content is empty")
	ErrNoRollbackBase  = errors.New("no backup to roll back to")
)

// Service implements candidate/effective routing for declarative
// definitions.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Create persists a new candidate revision. Any previously pending
// candidate is superseded by the insert.
func (s *Service) Create(ctx context.Context, jobID uuid.UUID, content, dependency, teamResources string) (*models.SQLRevision, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyDefinition
	}

	rev := &models.SQLRevision{
		ID:            uuid.New(),
		JobID:         jobID,
		Content:       content,
		Dependency:    dependency,
		TeamResources: teamResources,
		Candidate:     models.CandidateNew,
	}
	if err := s.store.CreateSQLRevision(ctx, rev); err != nil {
		return nil, fmt.Errorf("creating definition revision: %w", err)
	}
	return rev, nil
}

// Update compares the submitted definition against the effective one and
// creates a fresh candidate only when something changed.
func (s *Service) Update(ctx context.Context, jobID uuid.UUID, content, dependency, teamResources string) (*models.SQLRevision, error) {
	eff, err := s.store.GetEffectiveSQL(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading effective definition: %w", err)
	}
	if eff != nil &&
		eff.Content == strings.TrimSpace(content) &&
		eff.Dependency == dependency &&
		eff.TeamResources == teamResources {
		return eff, nil
	}
	return s.Create(ctx, jobID, content, dependency, teamResources)
}

// Resolve returns the definition a build should use: the pending
// candidate when one exists, the effective revision otherwise.
func (s *Service) Resolve(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	rev, err := s.store.GetCandidateSQL(ctx, jobID)
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.GetEffectiveSQL(ctx, jobID)
}

func (s *Service) Candidate(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	return s.store.GetCandidateSQL(ctx, jobID)
}

func (s *Service) Effective(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	return s.store.GetEffectiveSQL(ctx, jobID)
}

// Promote flips the pending candidate to effective. Called by the
// pipeline once the build has passed.
func (s *Service) Promote(ctx context.Context, jobID uuid.UUID) error {
	if err := s.store.PromoteCandidateSQL(ctx, jobID); err != nil {
		return fmt.Errorf("promoting candidate definition: %w", err)
	}
	s.logger.Info("candidate definition promoted", "job_id", jobID)
	return nil
}

// RestoreForRollback copies the dependency set of the rollback target
// (the definition revision the latest backup was taken under) back onto
// the job. The job struct is mutated in place; the caller persists it.
func (s *Service) RestoreForRollback(ctx context.Context, job *models.Job) error {
	backup, err := s.store.LatestBackup(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRollbackBase
		}
		return fmt.Errorf("loading rollback backup: %w", err)
	}
	if backup.SQLID == nil {
		return ErrNoRollbackBase
	}

	rev, err := s.store.GetSQLRevision(ctx, *backup.SQLID)
	if err != nil {
		return fmt.Errorf("loading rollback definition: %w", err)
	}

	job.Dependency = rev.Dependency
	job.TeamResources = rev.TeamResources
	s.logger.Info("dependency set restored from rollback target",
		"job_id", job.ID, "definition_version", rev.Version)
	return nil
}
