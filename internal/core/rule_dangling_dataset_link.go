package core

import (
	"context"
	"fmt"

	"surveycore/pkg/domain"
)

// DanglingDatasetLinkRule warns when a dropdown-mode dataset points at an
// experiment that no longer exists or has no experiment_id set. Resolution
// tolerates both cases, so this never blocks; it makes the warning visible at
// commit time as well as on read.
type DanglingDatasetLinkRule struct{}

// Name identifies the rule in violations.
func (DanglingDatasetLinkRule) Name() string { return "dangling_dataset_link" }

// Evaluate inspects every linked dataset in the post-transaction state.
func (r DanglingDatasetLinkRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	var result domain.Result
	for _, ds := range view.ListDatasets() {
		if ds.Linking.Mode == LinkModeCustom || ds.Linking.ExperimentID == nil {
			continue
		}
		exp, ok := view.FindExperiment(*ds.Linking.ExperimentID)
		var message string
		switch {
		case !ok:
			message = fmt.Sprintf("dataset %q links to a missing experiment", ds.Name)
		case exp.ExperimentID() == "":
			message = fmt.Sprintf("dataset %q links to experiment %q which has no experiment_id", ds.Name, exp.Name)
		default:
			continue
		}
		result.Violations = append(result.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: SeverityWarn,
			Message:  message,
			Entity:   EntityDataset,
			EntityID: formatID(ds.InternalID),
		})
	}
	return result, nil
}
