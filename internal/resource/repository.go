// Package resource resolves team-shared dependency resources and merges
// them into a job's dependency descriptor ahead of a build.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Kind classifies a shared resource.
type Kind string

const (
	KindArtifact Kind = "artifact" // a single artifact
	KindGroup    Kind = "group"    // a named set of artifacts
)

// ErrResourceNotFound is returned when a referenced resource id is unknown.
var ErrResourceNotFound = errors.New("resource not found")

// Resource is a team-shared dependency entry. Groups carry a flat member
// list; single artifacts carry exactly one coordinate.
type Resource struct {
	ID      string
	Name    string
	Kind    Kind
	Members []Coordinate // flat, groups are expanded one level only
}

// Coordinate identifies one dependency artifact.
type Coordinate struct {
	Group    string `json:"group"`
	Artifact string `json:"artifact"`
	Version  string `json:"version"`
}

// Repository looks up shared resources by id.
type Repository interface {
	Get(ctx context.Context, id string) (*Resource, error)
}

// Dependency is the descriptor a job carries: explicit coordinates plus
// local artifact paths.
type Dependency struct {
	Coordinates []Coordinate `json:"coordinates,omitempty"`
	Jars        []string     `json:"jars,omitempty"`
}

// ParseDependency decodes a dependency descriptor. An empty string is a
// valid empty descriptor.
func ParseDependency(raw string) (Dependency, error) {
	var dep Dependency
	if raw == "" {
		return dep, nil
	}
	if err := json.Unmarshal([]byte(raw), &dep); err != nil {
		return Dependency{}, fmt.Errorf("parsing dependency descriptor: %w", err)
	}
	return dep, nil
}

// Encode serializes the descriptor back to its stored form.
func (d Dependency) Encode() (string, error) {
	if len(d.Coordinates) == 0 && len(d.Jars) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding dependency descriptor: %w", err)
	}
	return string(raw), nil
}

// Merger combines a job's dependency descriptor with its referenced team
// resources. Merging is best effort: when a resource cannot be resolved or
// the inputs cannot be parsed, the unmerged base descriptor is returned
// and the failure is logged, not propagated.
type Merger struct {
	repo   Repository
	logger *slog.Logger
}

func NewMerger(repo Repository, logger *slog.Logger) *Merger {
	return &Merger{repo: repo, logger: logger}
}

// Merge resolves resourceIDs (a JSON array of ids) and folds their
// coordinates into base. Group resources contribute their flat member
// list; nested groups are not chased.
func (m *Merger) Merge(ctx context.Context, base string, resourceIDs string) string {
	dep, err := ParseDependency(base)
	if err != nil {
		m.logger.Warn("dependency descriptor unparseable, using as-is", "error", err)
		return base
	}

	ids, err := parseIDList(resourceIDs)
	if err != nil {
		m.logger.Warn("team resource list unparseable, skipping merge", "error", err)
		return base
	}

	seen := make(map[Coordinate]bool, len(dep.Coordinates))
	for _, c := range dep.Coordinates {
		seen[c] = true
	}

	for _, id := range ids {
		res, err := m.repo.Get(ctx, id)
		if err != nil {
			m.logger.Warn("team resource lookup failed, skipping", "resource_id", id, "error", err)
			continue
		}
		for _, c := range res.Members {
			if !seen[c] {
				seen[c] = true
				dep.Coordinates = append(dep.Coordinates, c)
			}
		}
	}

	merged, err := dep.Encode()
	if err != nil {
		m.logger.Warn("merged descriptor encode failed, using base", "error", err)
		return base
	}
	return merged
}

func parseIDList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("parsing resource id list: %w", err)
	}
	return ids, nil
}
