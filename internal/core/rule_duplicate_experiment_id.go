package core

import (
	"context"
	"fmt"

	"surveycore/pkg/domain"
)

// DuplicateExperimentIDRule blocks commits that introduce two or more
// experiments sharing the same non-empty experiment_id within a single
// transaction. This is the unresolvable import conflict: when a batch
// carries duplicate identifiers it is ambiguous which entry should win, and
// the system must not guess. Pre-existing records touched one at a time are
// not affected.
type DuplicateExperimentIDRule struct{}

// Name identifies the rule in violations.
func (DuplicateExperimentIDRule) Name() string { return "duplicate_experiment_id" }

// Evaluate scans post-transaction state for duplicate identifiers held by
// experiments written in this transaction.
func (r DuplicateExperimentIDRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := map[int64]bool{}
	for _, ch := range changes {
		if ch.Entity != EntityExperiment {
			continue
		}
		if after, ok := ch.After.(Experiment); ok {
			touched[after.InternalID] = true
		}
	}
	if len(touched) < 2 {
		return domain.Result{}, nil
	}

	byID := map[string][]int64{}
	for _, exp := range view.ListExperiments() {
		if id := exp.ExperimentID(); id != "" {
			byID[id] = append(byID[id], exp.InternalID)
		}
	}

	var result domain.Result
	for id, holders := range byID {
		if len(holders) < 2 {
			continue
		}
		written := 0
		for _, internalID := range holders {
			if touched[internalID] {
				written++
			}
		}
		if written >= 2 {
			result.Violations = append(result.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("multiple experiments written with experiment_id %q", id),
				Entity:   EntityExperiment,
				EntityID: id,
			})
		}
	}
	return result, nil
}
