package core

import (
	"context"
	"fmt"

	"surveycore/pkg/domain"
)

// DatasetNameCollisionRule logs when two datasets share a display name.
// Import reconciliation matches datasets by name, so duplicate names make a
// future override classification ambiguous; the first record by internal id
// would win.
type DatasetNameCollisionRule struct{}

// Name identifies the rule in violations.
func (DatasetNameCollisionRule) Name() string { return "dataset_name_collision" }

// Evaluate inspects dataset names in the post-transaction state.
func (r DatasetNameCollisionRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	seen := map[string]int{}
	for _, ds := range view.ListDatasets() {
		if ds.Name == "" {
			continue
		}
		seen[ds.Name]++
	}
	var result domain.Result
	for name, count := range seen {
		if count < 2 {
			continue
		}
		result.Violations = append(result.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: SeverityLog,
			Message:  fmt.Sprintf("%d datasets share the name %q; import matching will target the oldest", count, name),
			Entity:   EntityDataset,
			EntityID: name,
		})
	}
	return result, nil
}

// DefaultRulesEngine returns an engine with the built-in reconciliation
// rules registered.
func DefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(DuplicateExperimentIDRule{})
	engine.Register(DanglingDatasetLinkRule{})
	engine.Register(DatasetNameCollisionRule{})
	return engine
}
