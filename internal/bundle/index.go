package bundle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Index is the downloadable-bundle catalogue kept in registry.yaml. JSON is
// accepted too since it is valid YAML.
type Index struct {
	Version int          `yaml:"version"`
	Bundles []IndexEntry `yaml:"bundles"`
}

type IndexEntry struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Digest string `yaml:"digest"`
}

func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle index %q: %w", path, err)
	}

	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode bundle index %q: %w", path, err)
	}

	seen := make(map[string]struct{}, len(idx.Bundles))
	for i, b := range idx.Bundles {
		if b.ID == "" {
			return nil, fmt.Errorf("bundle index %q: entry %d has empty id", path, i)
		}
		if b.URL == "" {
			return nil, fmt.Errorf("bundle index %q: entry %q has empty url", path, b.ID)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("bundle index %q: duplicate id %q", path, b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return &idx, nil
}

func (idx *Index) Entry(id string) (IndexEntry, error) {
	for _, b := range idx.Bundles {
		if b.ID == id {
			return b, nil
		}
	}
	return IndexEntry{}, &NotFoundError{ID: id}
}
