package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	UpdateProject(mutator func(*Project) error) (Project, error)
	CreateExperiment(Experiment) (Experiment, error)
	UpdateExperiment(id int64, mutator func(*Experiment) error) (Experiment, error)
	DeleteExperiment(id int64) error
	CreateDataset(Dataset) (Dataset, error)
	UpdateDataset(id int64, mutator func(*Dataset) error) (Dataset, error)
	DeleteDataset(id int64) error
	Reset() error
	FindExperiment(id int64) (Experiment, bool)
	FindDataset(id int64) (Dataset, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// resolution. Its method set matches RuleView so views flow into the rules
// engine without adaptation.
type TransactionView interface {
	Project() Project
	ListExperiments() []Experiment
	ListDatasets() []Dataset
	FindExperiment(id int64) (Experiment, bool)
	FindDataset(id int64) (Dataset, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetProject() Project
	GetExperiment(id int64) (Experiment, bool)
	ListExperiments() []Experiment
	GetDataset(id int64) (Dataset, bool)
	ListDatasets() []Dataset
}
