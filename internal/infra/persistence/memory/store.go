// Package memory provides the authoritative in-memory implementation of the
// core persistence store. Editor state lives here for the lifetime of a
// session; durable backends snapshot it rather than owning it.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"surveycore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Project aliases domain.Project for in-memory persistence operations.
	Project = domain.Project
	// Experiment aliases domain.Experiment.
	Experiment = domain.Experiment
	// Dataset aliases domain.Dataset.
	Dataset = domain.Dataset
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

type memoryState struct {
	project     Project
	experiments map[int64]Experiment
	datasets    map[int64]Dataset
	nextID      int64
}

// Snapshot captures a point-in-time clone of the store state. NextID travels
// with the data so rehydration never reissues an internal id.
type Snapshot struct {
	Project     Project              `json:"project"`
	Experiments map[int64]Experiment `json:"experiments"`
	Datasets    map[int64]Dataset    `json:"datasets"`
	NextID      int64                `json:"next_id"`
}

func newMemoryState() memoryState {
	return memoryState{
		experiments: make(map[int64]Experiment),
		datasets:    make(map[int64]Dataset),
		nextID:      1,
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Project:     cloneProject(state.project),
		Experiments: make(map[int64]Experiment, len(state.experiments)),
		Datasets:    make(map[int64]Dataset, len(state.datasets)),
		NextID:      state.nextID,
	}
	for k, v := range state.experiments {
		s.Experiments[k] = cloneExperiment(v)
	}
	for k, v := range state.datasets {
		s.Datasets[k] = cloneDataset(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	state.project = cloneProject(s.Project)
	for k, v := range s.Experiments {
		state.experiments[k] = cloneExperiment(v)
	}
	for k, v := range s.Datasets {
		state.datasets[k] = cloneDataset(v)
	}
	state.nextID = s.NextID
	return state
}

// migrateSnapshot repairs snapshots produced by older sessions: nil maps are
// initialised, dataset links to vanished experiments are severed, and the id
// counter is advanced past every id in use so allocation stays monotonic.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Experiments == nil {
		snapshot.Experiments = map[int64]Experiment{}
	}
	if snapshot.Datasets == nil {
		snapshot.Datasets = map[int64]Dataset{}
	}

	experimentExists := func(id int64) bool {
		_, ok := snapshot.Experiments[id]
		return ok
	}

	for id, dataset := range snapshot.Datasets {
		if dataset.Linking.ExperimentID != nil && !experimentExists(*dataset.Linking.ExperimentID) {
			dataset.Linking.ExperimentID = nil
			snapshot.Datasets[id] = dataset
		}
	}

	maxID := int64(0)
	for id := range snapshot.Experiments {
		if id > maxID {
			maxID = id
		}
	}
	for id := range snapshot.Datasets {
		if id > maxID {
			maxID = id
		}
	}
	if snapshot.NextID <= maxID {
		snapshot.NextID = maxID + 1
	}
	if snapshot.NextID < 1 {
		snapshot.NextID = 1
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	cloned.project = cloneProject(s.project)
	for k, v := range s.experiments {
		cloned.experiments[k] = cloneExperiment(v)
	}
	for k, v := range s.datasets {
		cloned.datasets[k] = cloneDataset(v)
	}
	cloned.nextID = s.nextID
	return cloned
}

func cloneProject(p Project) Project {
	cp := p
	cp.Fields = domain.CloneFields(p.Fields)
	return cp
}

func cloneExperiment(e Experiment) Experiment {
	cp := e
	cp.Fields = domain.CloneFields(e.Fields)
	return cp
}

func cloneDataset(d Dataset) Dataset {
	cp := d
	cp.Fields = domain.CloneFields(d.Fields)
	if d.Linking.ExperimentID != nil {
		id := *d.Linking.ExperimentID
		cp.Linking.ExperimentID = &id
	}
	return cp
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine for integration points.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// Project returns the singleton project record for the snapshot.
func (v transactionView) Project() Project {
	return cloneProject(v.state.project)
}

// ListExperiments returns all experiments within the snapshot.
func (v transactionView) ListExperiments() []Experiment {
	out := make([]Experiment, 0, len(v.state.experiments))
	for _, e := range v.state.experiments {
		out = append(out, cloneExperiment(e))
	}
	sortExperiments(out)
	return out
}

// ListDatasets returns all datasets within the snapshot.
func (v transactionView) ListDatasets() []Dataset {
	out := make([]Dataset, 0, len(v.state.datasets))
	for _, d := range v.state.datasets {
		out = append(out, cloneDataset(d))
	}
	sortDatasets(out)
	return out
}

// FindExperiment retrieves an experiment by internal id from the snapshot.
func (v transactionView) FindExperiment(id int64) (Experiment, bool) {
	e, ok := v.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// FindDataset retrieves a dataset by internal id from the snapshot.
func (v transactionView) FindDataset(id int64) (Dataset, bool) {
	d, ok := v.state.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return cloneDataset(d), true
}

func sortExperiments(items []Experiment) {
	sort.Slice(items, func(i, j int) bool { return items[i].InternalID < items[j].InternalID })
}

func sortDatasets(items []Dataset) {
	sort.Slice(items, func(i, j int) bool { return items[i].InternalID < items[j].InternalID })
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Blocking rule violations abort the commit and leave the store untouched.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// GetProject returns the singleton project record.
func (s *Store) GetProject() Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneProject(s.state.project)
}

// GetExperiment retrieves an experiment by internal id.
func (s *Store) GetExperiment(id int64) (Experiment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// ListExperiments returns all experiments ordered by internal id.
func (s *Store) ListExperiments() []Experiment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Experiment, 0, len(s.state.experiments))
	for _, e := range s.state.experiments {
		out = append(out, cloneExperiment(e))
	}
	sortExperiments(out)
	return out
}

// GetDataset retrieves a dataset by internal id.
func (s *Store) GetDataset(id int64) (Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return cloneDataset(d), true
}

// ListDatasets returns all datasets ordered by internal id.
func (s *Store) ListDatasets() []Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dataset, 0, len(s.state.datasets))
	for _, d := range s.state.datasets {
		out = append(out, cloneDataset(d))
	}
	sortDatasets(out)
	return out
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindExperiment exposes experiment lookup within the transaction scope.
func (tx *transaction) FindExperiment(id int64) (Experiment, bool) {
	e, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

// FindDataset exposes dataset lookup within the transaction scope.
func (tx *transaction) FindDataset(id int64) (Dataset, bool) {
	d, ok := tx.state.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return cloneDataset(d), true
}

// UpdateProject mutates the singleton project record.
func (tx *transaction) UpdateProject(mutator func(*Project) error) (Project, error) {
	current := cloneProject(tx.state.project)
	before := cloneProject(current)
	if err := mutator(&current); err != nil {
		return Project{}, err
	}
	current.UpdatedAt = tx.now
	tx.state.project = cloneProject(current)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionUpdate, Before: before, After: cloneProject(current)})
	return cloneProject(current), nil
}

// CreateExperiment stores a new experiment, allocating its internal id.
func (tx *transaction) CreateExperiment(e Experiment) (Experiment, error) {
	e.InternalID = tx.state.nextID
	tx.state.nextID++
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.experiments[e.InternalID] = cloneExperiment(e)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: cloneExperiment(e)})
	return cloneExperiment(e), nil
}

// UpdateExperiment mutates an experiment using the provided mutator function.
func (tx *transaction) UpdateExperiment(id int64, mutator func(*Experiment) error) (Experiment, error) {
	current, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: formatID(id)}
	}
	before := cloneExperiment(current)
	if err := mutator(&current); err != nil {
		return Experiment{}, err
	}
	current.InternalID = id
	current.UpdatedAt = tx.now
	tx.state.experiments[id] = cloneExperiment(current)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: cloneExperiment(current)})
	return cloneExperiment(current), nil
}

// DeleteExperiment removes an experiment. Datasets linked to it keep their
// linking metadata; resolution reports the dangling link as a warning.
func (tx *transaction) DeleteExperiment(id int64) error {
	current, ok := tx.state.experiments[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: formatID(id)}
	}
	delete(tx.state.experiments, id)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionDelete, Before: cloneExperiment(current)})
	return nil
}

// CreateDataset stores a new dataset, allocating its internal id.
func (tx *transaction) CreateDataset(d Dataset) (Dataset, error) {
	d.InternalID = tx.state.nextID
	tx.state.nextID++
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.datasets[d.InternalID] = cloneDataset(d)
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionCreate, After: cloneDataset(d)})
	return cloneDataset(d), nil
}

// UpdateDataset mutates a dataset using the provided mutator function.
func (tx *transaction) UpdateDataset(id int64, mutator func(*Dataset) error) (Dataset, error) {
	current, ok := tx.state.datasets[id]
	if !ok {
		return Dataset{}, domain.ErrNotFound{Entity: domain.EntityDataset, ID: formatID(id)}
	}
	before := cloneDataset(current)
	if err := mutator(&current); err != nil {
		return Dataset{}, err
	}
	current.InternalID = id
	current.UpdatedAt = tx.now
	tx.state.datasets[id] = cloneDataset(current)
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionUpdate, Before: before, After: cloneDataset(current)})
	return cloneDataset(current), nil
}

// DeleteDataset removes a dataset from the transaction state.
func (tx *transaction) DeleteDataset(id int64) error {
	current, ok := tx.state.datasets[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityDataset, ID: formatID(id)}
	}
	delete(tx.state.datasets, id)
	tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionDelete, Before: cloneDataset(current)})
	return nil
}

// Reset clears all records. The id counter is not rewound: internal ids are
// never reused within a store lifetime.
func (tx *transaction) Reset() error {
	for id, e := range tx.state.experiments {
		tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionDelete, Before: cloneExperiment(e)})
		delete(tx.state.experiments, id)
	}
	for id, d := range tx.state.datasets {
		tx.recordChange(Change{Entity: domain.EntityDataset, Action: domain.ActionDelete, Before: cloneDataset(d)})
		delete(tx.state.datasets, id)
	}
	before := cloneProject(tx.state.project)
	tx.state.project = Project{}
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionUpdate, Before: before, After: Project{}})
	return nil
}
