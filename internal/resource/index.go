package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// IndexRepository serves shared resources from a JSON index file loaded
// once at startup. A missing index is an empty repository, not an error:
// deployments without shared resources need no file at all.
type IndexRepository struct {
	resources map[string]*Resource
}

type indexEntry struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Kind    Kind         `json:"kind"`
	Members []Coordinate `json:"members"`
}

// LoadIndex reads the resource index at path.
func LoadIndex(path string) (*IndexRepository, error) {
	repo := &IndexRepository{resources: make(map[string]*Resource)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return repo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading resource index: %w", err)
	}

	var entries []indexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing resource index %s: %w", path, err)
	}
	for _, e := range entries {
		repo.resources[e.ID] = &Resource{
			ID:      e.ID,
			Name:    e.Name,
			Kind:    e.Kind,
			Members: e.Members,
		}
	}
	return repo, nil
}

func (r *IndexRepository) Get(_ context.Context, id string) (*Resource, error) {
	res, ok := r.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, id)
	}
	return res, nil
}
