package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"surveycore/pkg/domain"
)

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "surveycore.db")

	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}

	var exp domain.Experiment
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateProject(func(p *domain.Project) error {
			p.SetProjectID("PROJ-1")
			return nil
		}); err != nil {
			return err
		}
		exp, err = tx.CreateExperiment(domain.Experiment{Name: "CTD", Fields: map[string]any{domain.FieldExperimentID: "EXP-1"}})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if reopened.GetProject().ProjectID() != "PROJ-1" {
		t.Fatal("project lost across reopen")
	}
	got, ok := reopened.GetExperiment(exp.InternalID)
	if !ok || got.ExperimentID() != "EXP-1" {
		t.Fatalf("experiment lost across reopen: %+v ok=%v", got, ok)
	}

	var created domain.Experiment
	if _, err := reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, err = tx.CreateExperiment(domain.Experiment{Name: "fresh"})
		return err
	}); err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if created.InternalID <= exp.InternalID {
		t.Fatalf("internal id %d reused after reopen", created.InternalID)
	}
}

func TestFailedTransactionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "surveycore.db")

	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateExperiment(domain.Experiment{Name: "never"}); err != nil {
			return err
		}
		return context.Canceled
	}); err == nil {
		t.Fatal("expected transaction error")
	}
	if len(store.ListExperiments()) != 0 {
		t.Fatal("failed transaction left state behind")
	}
}
