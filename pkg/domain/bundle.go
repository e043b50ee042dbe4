package domain

import (
	"encoding/json"
	"fmt"
	"io"
)

// Bundle is the metadata document exchanged at the export/import boundary.
// It is the only durable external interface of the core: a project section,
// experiments, and datasets, each carrying a free-form form_data object whose
// schema belongs to the external validation layer. The core interprets only
// the identifier fields and display names.
type Bundle struct {
	Project     *BundleProject     `json:"project,omitempty"`
	Experiments []BundleExperiment `json:"experiments"`
	Datasets    []BundleDataset    `json:"datasets"`
}

// BundleProject is the exported singleton project section.
type BundleProject struct {
	FormData map[string]any `json:"form_data"`
}

// BundleExperiment is one exported experiment entry.
type BundleExperiment struct {
	Name     string         `json:"name"`
	FormData map[string]any `json:"form_data"`
}

// ExperimentID returns the entry's domain identifier, empty when unset.
func (b BundleExperiment) ExperimentID() string {
	return FieldString(b.FormData, FieldExperimentID)
}

// BundleDataset is one exported dataset entry.
type BundleDataset struct {
	Name     string         `json:"name"`
	FormData map[string]any `json:"form_data"`
}

// ExperimentID returns the experiment reference embedded in the entry.
func (b BundleDataset) ExperimentID() string {
	return FieldString(b.FormData, FieldExperimentID)
}

// DecodeBundle parses a metadata bundle from r. A decode failure is a
// user-facing parse error: nothing about the current store state is
// consulted and callers surface the error before any preview is shown.
func DecodeBundle(r io.Reader) (Bundle, error) {
	var bundle Bundle
	dec := json.NewDecoder(r)
	if err := dec.Decode(&bundle); err != nil {
		return Bundle{}, fmt.Errorf("parse metadata bundle: %w", err)
	}
	for i := range bundle.Experiments {
		if bundle.Experiments[i].Name == "" {
			bundle.Experiments[i].Name = FieldString(bundle.Experiments[i].FormData, "name")
		}
	}
	for i := range bundle.Datasets {
		if bundle.Datasets[i].Name == "" {
			bundle.Datasets[i].Name = FieldString(bundle.Datasets[i].FormData, "name")
		}
	}
	return bundle, nil
}

// EncodeBundle serialises a bundle as indented JSON suitable for download.
func EncodeBundle(w io.Writer, bundle Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return fmt.Errorf("encode metadata bundle: %w", err)
	}
	return nil
}
