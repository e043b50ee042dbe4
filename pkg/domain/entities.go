// Package domain defines the core entities, linking metadata, and rule
// evaluation primitives used by surveycore.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and import items.
const (
	// EntityProject identifies the singleton project record.
	EntityProject EntityType = "project"
	// EntityExperiment identifies an experiment record.
	EntityExperiment EntityType = "experiment"
	// EntityDataset identifies a dataset record.
	EntityDataset EntityType = "dataset"
)

// Domain field keys carried in entity field maps and exchanged through
// metadata bundles. The core interprets only these; everything else in a
// field map belongs to the external schema layer.
const (
	FieldProjectID      = "project_id"
	FieldExperimentID   = "experiment_id"
	FieldExperimentType = "experiment_type"
)

// LinkMode describes how a dataset's experiment_id field is sourced.
type LinkMode string

// Dataset experiment_id modes. LinkModeUnset means the operator never made
// an explicit choice; it is distinct from LinkModeDropdown because values
// entered before any experiment existed are adopted as custom lazily.
const (
	LinkModeUnset    LinkMode = ""
	LinkModeDropdown LinkMode = "dropdown"
	LinkModeCustom   LinkMode = "custom"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn surfaces a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for identified domain records.
type Base struct {
	InternalID int64     `json:"internal_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Project is the singleton study record. It carries no internal id since
// exactly one exists per store; its identity for matching purposes is the
// user-authored project_id domain field.
type Project struct {
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProjectID returns the user-authored project identifier, empty when unset.
func (p Project) ProjectID() string {
	return FieldString(p.Fields, FieldProjectID)
}

// SetProjectID writes the project identifier into the field map.
func (p *Project) SetProjectID(id string) {
	if p.Fields == nil {
		p.Fields = map[string]any{}
	}
	p.Fields[FieldProjectID] = id
}

// Experiment is a field-study experiment record.
type Experiment struct {
	Base
	Name    string            `json:"name"`
	Fields  map[string]any    `json:"fields"`
	Linking ExperimentLinking `json:"linking"`
}

// ExperimentID returns the experiment's domain identifier, empty when unset.
func (e Experiment) ExperimentID() string {
	return FieldString(e.Fields, FieldExperimentID)
}

// Dataset is a field-study dataset record.
type Dataset struct {
	Base
	Name    string         `json:"name"`
	Fields  map[string]any `json:"fields"`
	Linking DatasetLinking `json:"linking"`
}

// ExperimentID returns the dataset's stored experiment reference. In
// dropdown mode this is a mirror of the linked experiment's identifier; in
// custom mode it is the operator's freetext value. Callers wanting the
// effective value should resolve through the linking resolver instead.
func (d Dataset) ExperimentID() string {
	return FieldString(d.Fields, FieldExperimentID)
}

// ExperimentLinking tracks whether an experiment's project_id field mirrors
// the singleton project or carries an independent value.
type ExperimentLinking struct {
	UsesProjectID bool `json:"uses_project_id"`
}

// DatasetLinking tracks how a dataset's experiment_id field is sourced.
// Mode is authoritative: LinkModeCustom means ExperimentID is ignored for
// display and export even when still set.
type DatasetLinking struct {
	Mode         LinkMode `json:"mode,omitempty"`
	ExperimentID *int64   `json:"experiment_id,omitempty"`
}

// FieldString extracts a string-valued domain field from a field map,
// returning empty for missing keys and non-string values.
func FieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// CloneFields deep-copies the top level of a field map. Nested values are
// shared; field maps hold JSON-decoded scalars and the core never mutates
// nested structure in place.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured for rule evaluation.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// ErrNotFound reports a missing entity reference.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return string(e.Entity) + " " + e.ID + " not found"
}
