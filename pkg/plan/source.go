package plan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrFailedToLoadCatalog = errors.New("plan: failed to load catalog")

// Source loads the plan catalog at startup.
type Source interface {
	Load(ctx context.Context) (Catalog, error)
}

type staticSource struct {
	catalog Catalog
}

// NewStaticSource wraps a catalog (usually Default()) as a Source.
// The catalog is copied so later mutations by the caller are not observed.
func NewStaticSource(c Catalog) Source {
	return &staticSource{catalog: maps.Clone(c)}
}

func (s *staticSource) Load(_ context.Context) (Catalog, error) {
	c := maps.Clone(s.catalog)
	if err := c.Validate(); err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}
	return c, nil
}

type fileSource struct {
	path string
}

// NewFileSource reads the catalog from a YAML file, for deployments that
// want to override the built-in prices without a code change.
//
// Expected shape:
//
//	plans:
//	  - tier: basic
//	    name: Basic
//	    trial_days: 14
//	    prices: {ARS: 2900000, USD: 2900}
//	    limits: {max_properties: 50, max_team_members: 3, max_conversations: 200}
func NewFileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Load(_ context.Context) (Catalog, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	c := make(Catalog, len(doc.Plans))
	for _, p := range doc.Plans {
		if _, exists := c[p.Tier]; exists {
			return nil, fmt.Errorf("%w: duplicate tier %s in %s", ErrFailedToLoadCatalog, p.Tier, s.path)
		}
		c[p.Tier] = p
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}
	return c, nil
}
