package orchestrator

import (
	"fmt"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/ingest"
)

// LoadPlanner maps a completed bundle to the tables its artifacts load into.
// The default implementation routes everything to one table per source;
// alternative planners can fan a bundle out (e.g. error-row side tables).
type LoadPlanner interface {
	Plan(bundleDir string, spec *ingest.Spec) ([]ingest.LoadTarget, error)
}

// ManifestPlanner reads the bundle manifest and plans every data artifact
// into <catalog>.<schema>.<source name>.
type ManifestPlanner struct {
	Layout  *bundle.Layout
	Catalog string
	Schema  string
}

func (p *ManifestPlanner) Plan(bundleDir string, spec *ingest.Spec) ([]ingest.LoadTarget, error) {
	m, err := p.Layout.ReadManifest(bundleDir)
	if err != nil {
		return nil, err
	}

	fqn := fmt.Sprintf("%s.%s.%s", p.Catalog, p.Schema, spec.Name)
	var targets []ingest.LoadTarget
	for _, a := range m.Artifacts {
		if a.Type != bundle.ArtifactTypeData {
			continue
		}
		targets = append(targets, ingest.LoadTarget{
			TableFQN:        fqn,
			ArtifactRelPath: a.RelPath,
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("bundle %s has no data artifacts", bundleDir)
	}
	return targets, nil
}
