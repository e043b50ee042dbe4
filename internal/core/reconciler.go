package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"surveycore/pkg/domain"
)

// Conflict classifies an import item against the current store state.
type Conflict string

// Item classifications. ConflictNew means nothing in memory matches the
// item's identity; ConflictOverride means committing it overwrites an
// existing record. Both are resolvable by the operator's selection, unlike
// the session-level blocking error.
const (
	ConflictNew      Conflict = "new"
	ConflictOverride Conflict = "override"
)

// SessionState tracks the import session lifecycle.
type SessionState string

// Import session states.
const (
	SessionPreviewed SessionState = "previewed"
	SessionCommitted SessionState = "committed"
	SessionCancelled SessionState = "cancelled"
)

// Dataset link choice option values exposed to the review UI picker.
const (
	LinkOptionUseFile        = "use-file"
	linkOptionExistingPrefix = "existing-"
	linkOptionImportPrefix   = "importing-"
)

// ImportItem is one reviewable entry of an import session. Items exist only
// for the lifetime of the session and are never persisted.
type ImportItem struct {
	Key      string     `json:"key"`
	Type     EntityType `json:"type"`
	Name     string     `json:"name"`
	DomainID string     `json:"id,omitempty"`
	Selected bool       `json:"selected"`
	Conflict Conflict   `json:"conflict"`
	// LinkChoice is present on dataset items only.
	LinkChoice string `json:"link_choice,omitempty"`

	bundleIndex int
	overrideID  int64 // internal id of the record an override replaces
}

// LinkOption is one entry of the experiment picker offered for a dataset
// item: the file's own reference, an existing in-memory experiment, or
// another experiment in the same import batch.
type LinkOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Preview is the renderable state of an import session.
type Preview struct {
	SessionID     string       `json:"session_id"`
	State         SessionState `json:"state"`
	Items         []ImportItem `json:"items"`
	LinkOptions   []LinkOption `json:"link_options"`
	BlockingError string       `json:"blocking_error,omitempty"`
}

// HasBlockingError reports whether commit is disabled for the session.
func (p Preview) HasBlockingError() bool {
	return p.BlockingError != ""
}

// ErrImportBlocked is returned by Commit while the session carries an
// unresolvable conflict. The source file must be corrected and re-imported.
var ErrImportBlocked = errors.New("import blocked by unresolvable conflict")

// ErrSessionClosed is returned when operating on a committed or cancelled
// session.
var ErrSessionClosed = errors.New("import session closed")

// ImportSession reconciles a parsed metadata bundle against live store
// state: it produces a reviewable merge plan, accepts per-item selection and
// dataset link adjustments, and commits the accepted items atomically.
type ImportSession struct {
	mu          sync.Mutex
	id          string
	service     *Service
	bundle      Bundle
	state       SessionState
	items       []ImportItem
	linkOptions []LinkOption
	blockingErr string
}

func newImportSession(id string, service *Service, bundle Bundle) *ImportSession {
	return &ImportSession{
		id:      id,
		service: service,
		bundle:  bundle,
		state:   SessionPreviewed,
	}
}

// ID returns the session identifier.
func (s *ImportSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// preview classifies every bundle entry against the supplied view and
// detects unresolvable duplicate identifiers within the incoming set.
func (s *ImportSession) preview(view domain.TransactionView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.items[:0]

	if s.bundle.Project != nil {
		conflict := ConflictNew
		if view.Project().ProjectID() != "" {
			conflict = ConflictOverride
		}
		s.items = append(s.items, ImportItem{
			Key:      "project",
			Type:     EntityProject,
			Name:     domain.FieldString(s.bundle.Project.FormData, "name"),
			DomainID: domain.FieldString(s.bundle.Project.FormData, domain.FieldProjectID),
			Selected: true,
			Conflict: conflict,
		})
	}

	existingExperiments := view.ListExperiments()
	existingDatasets := view.ListDatasets()

	seenIDs := map[string]bool{}
	for i, exp := range s.bundle.Experiments {
		id := exp.ExperimentID()
		item := ImportItem{
			Key:         "experiment-" + strconv.Itoa(i),
			Type:        EntityExperiment,
			Name:        exp.Name,
			DomainID:    id,
			Selected:    true,
			Conflict:    ConflictNew,
			bundleIndex: i,
		}
		if id != "" {
			if seenIDs[id] && s.blockingErr == "" {
				s.blockingErr = fmt.Sprintf("import file contains multiple experiments with experiment_id %q; correct the file and import again", id)
			}
			seenIDs[id] = true
			if match, ok := firstExperimentWithID(existingExperiments, id); ok {
				item.Conflict = ConflictOverride
				item.overrideID = match.InternalID
			}
		}
		s.items = append(s.items, item)
	}

	for i, ds := range s.bundle.Datasets {
		item := ImportItem{
			Key:         "dataset-" + strconv.Itoa(i),
			Type:        EntityDataset,
			Name:        ds.Name,
			DomainID:    ds.ExperimentID(),
			Selected:    true,
			Conflict:    ConflictNew,
			LinkChoice:  LinkOptionUseFile,
			bundleIndex: i,
		}
		if match, ok := firstDatasetWithName(existingDatasets, ds.Name); ok {
			item.Conflict = ConflictOverride
			item.overrideID = match.InternalID
		}
		s.items = append(s.items, item)
	}

	s.linkOptions = s.buildLinkOptions(existingExperiments)
	return nil
}

func (s *ImportSession) buildLinkOptions(existing []Experiment) []LinkOption {
	options := []LinkOption{{Value: LinkOptionUseFile, Label: "Keep reference from file"}}
	for _, exp := range existing {
		label := exp.Name
		if id := exp.ExperimentID(); id != "" {
			label = fmt.Sprintf("%s (%s)", exp.Name, id)
		}
		options = append(options, LinkOption{
			Value: linkOptionExistingPrefix + formatID(exp.InternalID),
			Label: label,
		})
	}
	for _, item := range s.items {
		if item.Type != EntityExperiment {
			continue
		}
		label := item.Name
		if item.DomainID != "" {
			label = fmt.Sprintf("%s (%s)", item.Name, item.DomainID)
		}
		options = append(options, LinkOption{
			Value: linkOptionImportPrefix + item.Key,
			Label: label + " [importing]",
		})
	}
	return options
}

func firstExperimentWithID(experiments []Experiment, id string) (Experiment, bool) {
	// Experiments arrive ordered by internal id, so the first match wins
	// deterministically even if the store already holds duplicates.
	for _, exp := range experiments {
		if exp.ExperimentID() == id {
			return exp, true
		}
	}
	return Experiment{}, false
}

func firstDatasetWithName(datasets []Dataset, name string) (Dataset, bool) {
	for _, ds := range datasets {
		if ds.Name == name {
			return ds, true
		}
	}
	return Dataset{}, false
}

// Preview returns the renderable state of the session.
func (s *ImportSession) Preview() Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ImportItem, len(s.items))
	copy(items, s.items)
	options := make([]LinkOption, len(s.linkOptions))
	copy(options, s.linkOptions)
	return Preview{
		SessionID:     s.id,
		State:         s.state,
		Items:         items,
		LinkOptions:   options,
		BlockingError: s.blockingErr,
	}
}

// SetItemSelected toggles whether an item participates in the commit.
func (s *ImportSession) SetItemSelected(key string, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionPreviewed {
		return ErrSessionClosed
	}
	for i := range s.items {
		if s.items[i].Key == key {
			s.items[i].Selected = selected
			return nil
		}
	}
	return fmt.Errorf("unknown import item %q", key)
}

// SetDatasetLink adjusts a dataset item's experiment link choice. Accepted
// values are "use-file", "existing-<internalID>", and
// "importing-<experiment item key>".
func (s *ImportSession) SetDatasetLink(key, choice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionPreviewed {
		return ErrSessionClosed
	}
	item := s.findItem(key)
	if item == nil || item.Type != EntityDataset {
		return fmt.Errorf("unknown dataset import item %q", key)
	}
	switch {
	case choice == LinkOptionUseFile:
	case strings.HasPrefix(choice, linkOptionExistingPrefix):
		if _, err := strconv.ParseInt(strings.TrimPrefix(choice, linkOptionExistingPrefix), 10, 64); err != nil {
			return fmt.Errorf("invalid link choice %q", choice)
		}
	case strings.HasPrefix(choice, linkOptionImportPrefix):
		target := strings.TrimPrefix(choice, linkOptionImportPrefix)
		if t := s.findItem(target); t == nil || t.Type != EntityExperiment {
			return fmt.Errorf("link choice %q does not name an experiment in this import", choice)
		}
	default:
		return fmt.Errorf("invalid link choice %q", choice)
	}
	item.LinkChoice = choice
	return nil
}

func (s *ImportSession) findItem(key string) *ImportItem {
	for i := range s.items {
		if s.items[i].Key == key {
			return &s.items[i]
		}
	}
	return nil
}

// Cancel discards the session. The store was never touched.
func (s *ImportSession) Cancel() {
	s.mu.Lock()
	if s.state == SessionPreviewed {
		s.state = SessionCancelled
	}
	id := s.id
	s.mu.Unlock()
	s.service.closeImport(id)
}

// Commit applies every selected item in a single store transaction, in
// Project -> Experiments -> Datasets order. Experiments commit first so
// dataset links can reference internal ids allocated in the same commit;
// dataset link resolution runs as a second phase through the import-key map
// built in the first. The store is mutated exactly once, atomically.
func (s *ImportSession) Commit(ctx context.Context) (Result, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	defer func() { s.service.observe(ctx, "import_commit", start, err) }()

	if s.state != SessionPreviewed {
		err = ErrSessionClosed
		return Result{}, err
	}
	if s.blockingErr != "" {
		err = fmt.Errorf("%w: %s", ErrImportBlocked, s.blockingErr)
		return Result{}, err
	}

	var res Result
	res, err = s.service.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		keyToInternal := map[string]int64{}

		for _, item := range s.items {
			if !item.Selected {
				continue
			}
			switch item.Type {
			case EntityProject:
				form := domain.CloneFields(s.bundle.Project.FormData)
				if _, err := tx.UpdateProject(func(p *Project) error {
					p.Fields = form
					return nil
				}); err != nil {
					return err
				}
			case EntityExperiment:
				entry := s.bundle.Experiments[item.bundleIndex]
				internalID, err := commitExperiment(tx, item, entry)
				if err != nil {
					return err
				}
				keyToInternal[item.Key] = internalID
			}
		}

		for _, item := range s.items {
			if !item.Selected || item.Type != EntityDataset {
				continue
			}
			entry := s.bundle.Datasets[item.bundleIndex]
			linking, err := resolveCommittedLink(tx, item, entry, keyToInternal)
			if err != nil {
				return err
			}
			if err := commitDataset(tx, item, entry, linking); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	s.state = SessionCommitted
	s.service.closeImport(s.id)
	return res, nil
}

// commitExperiment creates or overwrites one experiment and returns its
// internal id. Overwritten experiments keep their internal id and linking
// metadata; only name and form data come from the file.
func commitExperiment(tx domain.Transaction, item ImportItem, entry domain.BundleExperiment) (int64, error) {
	if item.Conflict == ConflictOverride {
		updated, err := tx.UpdateExperiment(item.overrideID, func(exp *Experiment) error {
			exp.Name = entry.Name
			exp.Fields = domain.CloneFields(entry.FormData)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("override experiment %q: %w", entry.Name, err)
		}
		return updated.InternalID, nil
	}
	created, err := tx.CreateExperiment(Experiment{
		Name:   entry.Name,
		Fields: domain.CloneFields(entry.FormData),
	})
	if err != nil {
		return 0, fmt.Errorf("create experiment %q: %w", entry.Name, err)
	}
	return created.InternalID, nil
}

// resolveCommittedLink computes a dataset's final linking metadata.
//
// Explicit choices link directly: "existing-" by internal id (which must
// still exist), "importing-" through the key map built while committing
// experiments. "use-file" re-links by matching the file's experiment_id
// against post-commit experiments: an exact match becomes a dropdown link,
// anything else is preserved verbatim as a custom value.
func resolveCommittedLink(tx domain.Transaction, item ImportItem, entry domain.BundleDataset, keyToInternal map[string]int64) (DatasetLinking, error) {
	choice := item.LinkChoice
	switch {
	case strings.HasPrefix(choice, linkOptionExistingPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(choice, linkOptionExistingPrefix), 10, 64)
		if err != nil {
			return DatasetLinking{}, fmt.Errorf("invalid link choice %q", choice)
		}
		if _, ok := tx.FindExperiment(id); !ok {
			return DatasetLinking{}, domain.ErrNotFound{Entity: EntityExperiment, ID: formatID(id)}
		}
		return DatasetLinking{Mode: LinkModeDropdown, ExperimentID: &id}, nil
	case strings.HasPrefix(choice, linkOptionImportPrefix):
		key := strings.TrimPrefix(choice, linkOptionImportPrefix)
		id, ok := keyToInternal[key]
		if !ok {
			return DatasetLinking{}, fmt.Errorf("dataset %q links to import item %q which was not selected", entry.Name, key)
		}
		return DatasetLinking{Mode: LinkModeDropdown, ExperimentID: &id}, nil
	default:
		fileID := entry.ExperimentID()
		if fileID == "" {
			return DatasetLinking{}, nil
		}
		matches := experimentsWithID(tx.Snapshot(), fileID)
		if len(matches) == 1 {
			id := matches[0].InternalID
			return DatasetLinking{Mode: LinkModeDropdown, ExperimentID: &id}, nil
		}
		return DatasetLinking{Mode: LinkModeCustom}, nil
	}
}

func commitDataset(tx domain.Transaction, item ImportItem, entry domain.BundleDataset, linking DatasetLinking) error {
	apply := func(ds *Dataset) error {
		ds.Name = entry.Name
		ds.Fields = domain.CloneFields(entry.FormData)
		ds.Linking = linking
		if linking.Mode == LinkModeDropdown {
			setExperimentIDField(ds, ResolveExperimentID(tx.Snapshot(), *ds).Value)
		}
		return nil
	}
	if item.Conflict == ConflictOverride {
		if _, err := tx.UpdateDataset(item.overrideID, apply); err != nil {
			return fmt.Errorf("override dataset %q: %w", entry.Name, err)
		}
		return nil
	}
	ds := Dataset{Name: entry.Name, Fields: domain.CloneFields(entry.FormData)}
	created, err := tx.CreateDataset(ds)
	if err != nil {
		return fmt.Errorf("create dataset %q: %w", entry.Name, err)
	}
	if _, err := tx.UpdateDataset(created.InternalID, apply); err != nil {
		return fmt.Errorf("link dataset %q: %w", entry.Name, err)
	}
	return nil
}

func experimentsWithID(view domain.TransactionView, id string) []Experiment {
	var matches []Experiment
	for _, exp := range view.ListExperiments() {
		if exp.ExperimentID() == id {
			matches = append(matches, exp)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].InternalID < matches[j].InternalID })
	return matches
}
