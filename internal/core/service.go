package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"surveycore/pkg/domain"
)

// Service exposes higher-level transactional operations for the core schema:
// entity CRUD, linking transitions, bundle export, and import sessions.
type Service struct {
	store   domain.PersistentStore
	metrics MetricsRecorder

	mu      sync.Mutex
	imports map[string]*ImportSession
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore) *Service {
	return &Service{
		store:   store,
		metrics: NopMetricsRecorder{},
		imports: make(map[string]*ImportSession),
	}
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine.
func NewInMemoryService(engine *RulesEngine) *Service {
	return NewService(newMemoryStore(engine))
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// UseMetricsRecorder installs a recorder for service operation outcomes.
func (s *Service) UseMetricsRecorder(rec MetricsRecorder) {
	if rec == nil {
		rec = NopMetricsRecorder{}
	}
	s.metrics = rec
}

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Project returns the singleton project record.
func (s *Service) Project() Project {
	return s.store.GetProject()
}

// UpdateProject mutates the singleton project record. Experiments in linked
// mode reflect the new project_id on their next resolution without any
// further action.
func (s *Service) UpdateProject(ctx context.Context, mutator func(*Project) error) (Project, Result, error) {
	start := time.Now()
	var updated Project
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateProject(mutator)
		return err
	})
	s.observe(ctx, "update_project", start, err)
	return updated, res, err
}

// CreateExperiment persists a new experiment. Linking metadata is
// initialised, not taken from the caller: new experiments start in linked
// project_id mode with the project's current identifier mirrored into their
// fields.
func (s *Service) CreateExperiment(ctx context.Context, exp Experiment) (Experiment, Result, error) {
	start := time.Now()
	var created Experiment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if exp.Fields == nil {
			exp.Fields = map[string]any{}
		}
		exp.Linking = ExperimentLinking{UsesProjectID: true}
		exp.Fields[domain.FieldProjectID] = tx.Snapshot().Project().ProjectID()
		var err error
		created, err = tx.CreateExperiment(exp)
		return err
	})
	s.observe(ctx, "create_experiment", start, err)
	return created, res, err
}

// UpdateExperimentFields replaces an experiment's name and form data. The
// experiment's linking metadata is untouched; while linked, the project_id
// field is re-mirrored so stored state stays consistent with resolution.
func (s *Service) UpdateExperimentFields(ctx context.Context, id int64, name string, fields map[string]any) (Experiment, Result, error) {
	start := time.Now()
	var updated Experiment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		project := tx.Snapshot().Project()
		var err error
		updated, err = tx.UpdateExperiment(id, func(exp *Experiment) error {
			exp.Name = name
			exp.Fields = domain.CloneFields(fields)
			if exp.Fields == nil {
				exp.Fields = map[string]any{}
			}
			if exp.Linking.UsesProjectID {
				exp.Fields[domain.FieldProjectID] = project.ProjectID()
			}
			return nil
		})
		return err
	})
	s.observe(ctx, "update_experiment", start, err)
	return updated, res, err
}

// ToggleExperimentProjectLink flips an experiment between linked and custom
// project_id modes through the resolver's transition rules.
func (s *Service) ToggleExperimentProjectLink(ctx context.Context, id int64) (Experiment, Result, error) {
	start := time.Now()
	var updated Experiment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		project := tx.Snapshot().Project()
		var err error
		updated, err = tx.UpdateExperiment(id, func(exp *Experiment) error {
			ToggleProjectLink(project, exp)
			return nil
		})
		return err
	})
	s.observe(ctx, "toggle_project_link", start, err)
	return updated, res, err
}

// DeleteExperiment removes an experiment record.
func (s *Service) DeleteExperiment(ctx context.Context, id int64) (Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteExperiment(id)
	})
	s.observe(ctx, "delete_experiment", start, err)
	return res, err
}

// CreateDataset persists a new dataset with safe default linking metadata:
// no mode chosen yet and no experiment link.
func (s *Service) CreateDataset(ctx context.Context, ds Dataset) (Dataset, Result, error) {
	start := time.Now()
	var created Dataset
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		ds.Linking = DatasetLinking{}
		var err error
		created, err = tx.CreateDataset(ds)
		return err
	})
	s.observe(ctx, "create_dataset", start, err)
	return created, res, err
}

// UpdateDatasetFields replaces a dataset's name and form data. The
// experiment_id field is owned by the linking resolver: in dropdown mode the
// caller-supplied value is discarded and the mirror recomputed, while custom
// and unset modes accept it as the freetext value.
func (s *Service) UpdateDatasetFields(ctx context.Context, id int64, name string, fields map[string]any) (Dataset, Result, error) {
	start := time.Now()
	var updated Dataset
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		var err error
		updated, err = tx.UpdateDataset(id, func(ds *Dataset) error {
			ds.Name = name
			ds.Fields = domain.CloneFields(fields)
			if ds.Linking.Mode == LinkModeDropdown {
				setExperimentIDField(ds, ResolveExperimentID(view, *ds).Value)
			}
			return nil
		})
		return err
	})
	s.observe(ctx, "update_dataset", start, err)
	return updated, res, err
}

// DeleteDataset removes a dataset record.
func (s *Service) DeleteDataset(ctx context.Context, id int64) (Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteDataset(id)
	})
	s.observe(ctx, "delete_dataset", start, err)
	return res, err
}

// SwitchDatasetMode moves a dataset into dropdown or custom experiment_id
// mode through the resolver's transition rules.
func (s *Service) SwitchDatasetMode(ctx context.Context, id int64, mode LinkMode) (Dataset, Result, error) {
	start := time.Now()
	var updated Dataset
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateDataset(id, func(ds *Dataset) error {
			switch mode {
			case LinkModeDropdown:
				SwitchDatasetToDropdown(ds)
			case LinkModeCustom:
				SwitchDatasetToCustom(ds)
			default:
				return fmt.Errorf("unknown dataset link mode %q", mode)
			}
			return nil
		})
		return err
	})
	s.observe(ctx, "switch_dataset_mode", start, err)
	return updated, res, err
}

// SelectDatasetExperiment links a dataset to an experiment by internal id.
func (s *Service) SelectDatasetExperiment(ctx context.Context, datasetID, experimentID int64) (Dataset, Result, error) {
	start := time.Now()
	var updated Dataset
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		var err error
		updated, err = tx.UpdateDataset(datasetID, func(ds *Dataset) error {
			return SelectExperimentForDataset(view, ds, experimentID)
		})
		return err
	})
	s.observe(ctx, "select_dataset_experiment", start, err)
	return updated, res, err
}

// MountDataset applies the mount-time linking repair rules to a dataset and
// returns the repaired record. Invoked by the rendering layer whenever the
// dataset form becomes visible.
func (s *Service) MountDataset(ctx context.Context, id int64) (Dataset, Result, error) {
	start := time.Now()
	var mounted Dataset
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		var err error
		mounted, err = tx.UpdateDataset(id, func(ds *Dataset) error {
			NormalizeDatasetLinking(view, ds)
			return nil
		})
		return err
	})
	s.observe(ctx, "mount_dataset", start, err)
	return mounted, res, err
}

// ResolveDatasetExperimentID computes a dataset's effective experiment_id.
func (s *Service) ResolveDatasetExperimentID(ctx context.Context, id int64) (Resolution, error) {
	var resolution Resolution
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		ds, ok := view.FindDataset(id)
		if !ok {
			return domain.ErrNotFound{Entity: EntityDataset, ID: formatID(id)}
		}
		resolution = ResolveExperimentID(view, ds)
		return nil
	})
	return resolution, err
}

// ResolveExperimentProjectID computes an experiment's effective project_id.
func (s *Service) ResolveExperimentProjectID(ctx context.Context, id int64) (string, error) {
	var resolved string
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		exp, ok := view.FindExperiment(id)
		if !ok {
			return domain.ErrNotFound{Entity: EntityExperiment, ID: formatID(id)}
		}
		resolved = ResolveProjectID(view.Project(), exp)
		return nil
	})
	return resolved, err
}

// Reset clears all records, discarding any open import sessions.
func (s *Service) Reset(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Reset()
	})
	if err == nil {
		s.mu.Lock()
		s.imports = make(map[string]*ImportSession)
		s.mu.Unlock()
	}
	s.observe(ctx, "reset", start, err)
	return res, err
}

// ExportBundle renders the current store state as a metadata bundle. Linked
// fields are exported at their resolved effective values, so a bundle always
// reflects what the operator saw.
func (s *Service) ExportBundle(ctx context.Context) (Bundle, error) {
	start := time.Now()
	bundle := Bundle{
		Experiments: []domain.BundleExperiment{},
		Datasets:    []domain.BundleDataset{},
	}
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		project := view.Project()
		if len(project.Fields) > 0 {
			bundle.Project = &domain.BundleProject{FormData: domain.CloneFields(project.Fields)}
		}
		for _, exp := range view.ListExperiments() {
			form := domain.CloneFields(exp.Fields)
			if form == nil {
				form = map[string]any{}
			}
			form[domain.FieldProjectID] = ResolveProjectID(project, exp)
			bundle.Experiments = append(bundle.Experiments, domain.BundleExperiment{Name: exp.Name, FormData: form})
		}
		for _, ds := range view.ListDatasets() {
			form := domain.CloneFields(ds.Fields)
			if form == nil {
				form = map[string]any{}
			}
			form[domain.FieldExperimentID] = ResolveExperimentID(view, ds).Value
			bundle.Datasets = append(bundle.Datasets, domain.BundleDataset{Name: ds.Name, FormData: form})
		}
		return nil
	})
	s.observe(ctx, "export_bundle", start, err)
	if err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// OpenImport parses a metadata bundle from r and opens a reviewable import
// session against the current store state. Parse failures surface before any
// preview exists; the store is untouched either way.
func (s *Service) OpenImport(ctx context.Context, r io.Reader) (*ImportSession, error) {
	start := time.Now()
	bundle, err := domain.DecodeBundle(r)
	if err != nil {
		s.observe(ctx, "open_import", start, err)
		return nil, err
	}
	session, err := s.openImportBundle(ctx, bundle)
	s.observe(ctx, "open_import", start, err)
	return session, err
}

func (s *Service) openImportBundle(ctx context.Context, bundle Bundle) (*ImportSession, error) {
	session := newImportSession(newSessionID(), s, bundle)
	if err := s.store.View(ctx, session.preview); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.imports[session.ID()] = session
	s.mu.Unlock()
	return session, nil
}

// ImportSessionByID returns an open import session.
func (s *Service) ImportSessionByID(id string) (*ImportSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.imports[id]
	return session, ok
}

func (s *Service) closeImport(id string) {
	s.mu.Lock()
	delete(s.imports, id)
	s.mu.Unlock()
}
