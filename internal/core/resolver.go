package core

import "surveycore/pkg/domain"

// Resolution is the effective value of a linked field together with a
// caller-visible warning flag. Resolution never fails: absence of a linkable
// target yields an empty value, with MissingLink set when a dropdown-mode
// dataset points at an experiment that is gone or has no identifier yet.
type Resolution struct {
	Value       string `json:"value"`
	MissingLink bool   `json:"missing_link,omitempty"`
}

// ResolveProjectID computes an experiment's effective project_id. Linked
// experiments mirror the singleton project's current identifier on every
// read; custom experiments keep their own stored value.
func ResolveProjectID(project Project, exp Experiment) string {
	if exp.Linking.UsesProjectID {
		return project.ProjectID()
	}
	return domain.FieldString(exp.Fields, domain.FieldProjectID)
}

// ResolveExperimentID computes a dataset's effective experiment_id.
//
// Custom mode returns the operator's freetext value. Dropdown mode follows
// the internal link and returns the target experiment's current identifier,
// flagging MissingLink when the target is gone or has none set. Unset mode
// behaves like dropdown when a link exists and otherwise falls back to the
// stored value, so data entered before any experiment existed stays visible.
func ResolveExperimentID(view domain.TransactionView, ds Dataset) Resolution {
	if ds.Linking.Mode == LinkModeCustom {
		return Resolution{Value: ds.ExperimentID()}
	}
	if ds.Linking.ExperimentID == nil {
		if ds.Linking.Mode == LinkModeUnset {
			return Resolution{Value: ds.ExperimentID()}
		}
		return Resolution{}
	}
	exp, ok := view.FindExperiment(*ds.Linking.ExperimentID)
	if !ok {
		return Resolution{MissingLink: true}
	}
	id := exp.ExperimentID()
	if id == "" {
		return Resolution{MissingLink: true}
	}
	return Resolution{Value: id}
}

// ToggleProjectLink flips an experiment between linked and custom project_id
// modes. Switching to linked snapshots the project's current identifier into
// the field; switching to custom leaves the last resolved value in place,
// now independently editable.
func ToggleProjectLink(project Project, exp *Experiment) {
	if exp.Fields == nil {
		exp.Fields = map[string]any{}
	}
	if exp.Linking.UsesProjectID {
		exp.Fields[domain.FieldProjectID] = project.ProjectID()
		exp.Linking.UsesProjectID = false
		return
	}
	exp.Linking.UsesProjectID = true
	exp.Fields[domain.FieldProjectID] = project.ProjectID()
}

// SwitchDatasetToDropdown puts the dataset in dropdown mode with no target:
// the freetext value is cleared and an experiment must be explicitly
// re-selected. Idempotent.
func SwitchDatasetToDropdown(ds *Dataset) {
	ds.Linking.Mode = LinkModeDropdown
	ds.Linking.ExperimentID = nil
	setExperimentIDField(ds, "")
}

// SwitchDatasetToCustom puts the dataset in custom mode with a cleared value.
func SwitchDatasetToCustom(ds *Dataset) {
	ds.Linking.Mode = LinkModeCustom
	ds.Linking.ExperimentID = nil
	setExperimentIDField(ds, "")
}

// SelectExperimentForDataset links the dataset to an experiment by internal
// id and mirrors the target's identifier into the field.
func SelectExperimentForDataset(view domain.TransactionView, ds *Dataset, experimentID int64) error {
	if _, ok := view.FindExperiment(experimentID); !ok {
		return ErrNotFound{Entity: EntityExperiment, ID: formatID(experimentID)}
	}
	ds.Linking.Mode = LinkModeDropdown
	ds.Linking.ExperimentID = &experimentID
	setExperimentIDField(ds, ResolveExperimentID(view, *ds).Value)
	return nil
}

// NormalizeDatasetLinking applies the mount-time repair rules and reports
// whether the dataset changed.
//
// Lazy reset: a custom-mode dataset whose value is empty was never really
// customized (the operator visited the field and typed nothing), so it drops
// back to dropdown mode. Implicit adoption: a non-empty value whose mode was
// never explicitly chosen is locked into custom mode once any experiment
// with a resolvable identifier exists, preserving data entered before
// experiments were available.
func NormalizeDatasetLinking(view domain.TransactionView, ds *Dataset) bool {
	resolved := ResolveExperimentID(view, *ds)
	if resolved.Value == "" && ds.Linking.Mode == LinkModeCustom {
		SwitchDatasetToDropdown(ds)
		return true
	}
	if ds.Linking.Mode == LinkModeUnset && ds.ExperimentID() != "" && anyExperimentWithID(view) {
		ds.Linking.Mode = LinkModeCustom
		ds.Linking.ExperimentID = nil
		return true
	}
	return false
}

func anyExperimentWithID(view domain.TransactionView) bool {
	for _, exp := range view.ListExperiments() {
		if exp.ExperimentID() != "" {
			return true
		}
	}
	return false
}

func setExperimentIDField(ds *Dataset, value string) {
	if ds.Fields == nil {
		ds.Fields = map[string]any{}
	}
	ds.Fields[domain.FieldExperimentID] = value
}
