package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"surveycore/pkg/domain"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewInMemoryService(nil)
}

func setProjectID(t *testing.T, svc *Service, id string) {
	t.Helper()
	if _, _, err := svc.UpdateProject(context.Background(), func(p *Project) error {
		p.SetProjectID(id)
		return nil
	}); err != nil {
		t.Fatalf("update project: %v", err)
	}
}

func createExperiment(t *testing.T, svc *Service, name, experimentID string) Experiment {
	t.Helper()
	fields := map[string]any{}
	if experimentID != "" {
		fields[domain.FieldExperimentID] = experimentID
	}
	exp, _, err := svc.CreateExperiment(context.Background(), Experiment{Name: name, Fields: fields})
	if err != nil {
		t.Fatalf("create experiment %q: %v", name, err)
	}
	return exp
}

func createDataset(t *testing.T, svc *Service, name string) Dataset {
	t.Helper()
	ds, _, err := svc.CreateDataset(context.Background(), Dataset{Name: name, Fields: map[string]any{}})
	if err != nil {
		t.Fatalf("create dataset %q: %v", name, err)
	}
	return ds
}

func TestCreateExperimentStartsLinked(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	setProjectID(t, svc, "PROJ-1")

	exp := createExperiment(t, svc, "CTD casts", "")
	if !exp.Linking.UsesProjectID {
		t.Fatal("new experiment should start in linked mode")
	}
	resolved, err := svc.ResolveExperimentProjectID(ctx, exp.InternalID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "PROJ-1" {
		t.Fatalf("resolved project id = %q, want PROJ-1", resolved)
	}

	// A project rename is reflected live.
	setProjectID(t, svc, "PROJ-2")
	resolved, err = svc.ResolveExperimentProjectID(ctx, exp.InternalID)
	if err != nil {
		t.Fatalf("resolve after rename: %v", err)
	}
	if resolved != "PROJ-2" {
		t.Fatalf("resolved project id = %q, want PROJ-2", resolved)
	}
}

func TestUpdateExperimentFieldsKeepsMirrorWhileLinked(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	setProjectID(t, svc, "PROJ-1")
	exp := createExperiment(t, svc, "CTD casts", "EXP-1")

	updated, _, err := svc.UpdateExperimentFields(ctx, exp.InternalID, "CTD casts", map[string]any{
		domain.FieldProjectID:    "SPOOFED",
		domain.FieldExperimentID: "EXP-1",
	})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if got := domain.FieldString(updated.Fields, domain.FieldProjectID); got != "PROJ-1" {
		t.Fatalf("stored project_id = %q, want re-mirrored PROJ-1", got)
	}
}

func TestToggleExperimentProjectLink(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	setProjectID(t, svc, "PROJ-1")
	exp := createExperiment(t, svc, "CTD casts", "")

	unlinked, _, err := svc.ToggleExperimentProjectLink(ctx, exp.InternalID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if unlinked.Linking.UsesProjectID {
		t.Fatal("expected custom mode after toggle")
	}
	// The snapshot value stays put when the project is renamed afterwards.
	setProjectID(t, svc, "PROJ-2")
	resolved, err := svc.ResolveExperimentProjectID(ctx, exp.InternalID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "PROJ-1" {
		t.Fatalf("custom value = %q, want snapshot PROJ-1", resolved)
	}
}

func TestUpdateDatasetFieldsDropdownOwnsExperimentID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	exp := createExperiment(t, svc, "CTD casts", "EXP-1")
	ds := createDataset(t, svc, "cast-1")

	if _, _, err := svc.SelectDatasetExperiment(ctx, ds.InternalID, exp.InternalID); err != nil {
		t.Fatalf("select experiment: %v", err)
	}

	updated, _, err := svc.UpdateDatasetFields(ctx, ds.InternalID, "cast-1", map[string]any{
		domain.FieldExperimentID: "HAND-TYPED",
		"depth_m":                120,
	})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if got := updated.ExperimentID(); got != "EXP-1" {
		t.Fatalf("experiment_id = %q, want linked mirror EXP-1", got)
	}
}

func TestSwitchDatasetModeRejectsUnknownMode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ds := createDataset(t, svc, "cast-1")

	_, _, err := svc.SwitchDatasetMode(ctx, ds.InternalID, LinkMode("radio"))
	if err == nil || !strings.Contains(err.Error(), "unknown dataset link mode") {
		t.Fatalf("err = %v, want unknown mode error", err)
	}
}

func TestMountDatasetRepairsEmptyCustom(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ds := createDataset(t, svc, "cast-1")

	if _, _, err := svc.SwitchDatasetMode(ctx, ds.InternalID, LinkModeCustom); err != nil {
		t.Fatalf("switch to custom: %v", err)
	}
	mounted, _, err := svc.MountDataset(ctx, ds.InternalID)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if mounted.Linking.Mode != LinkModeDropdown {
		t.Fatalf("mode = %q, want dropdown after lazy reset", mounted.Linking.Mode)
	}
}

func TestMountDatasetKeepsAdoptedCustomValue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ds := createDataset(t, svc, "cast-1")

	// Value typed before any experiment existed.
	if _, _, err := svc.UpdateDatasetFields(ctx, ds.InternalID, "cast-1", map[string]any{
		domain.FieldExperimentID: "CUSTOM-7",
	}); err != nil {
		t.Fatalf("type value: %v", err)
	}
	createExperiment(t, svc, "CTD casts", "EXP-1")

	mounted, _, err := svc.MountDataset(ctx, ds.InternalID)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if mounted.Linking.Mode != LinkModeCustom {
		t.Fatalf("mode = %q, want adopted custom", mounted.Linking.Mode)
	}
	resolution, err := svc.ResolveDatasetExperimentID(ctx, ds.InternalID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Value != "CUSTOM-7" {
		t.Fatalf("value = %q, want CUSTOM-7", resolution.Value)
	}

	// Remount is stable.
	remounted, _, err := svc.MountDataset(ctx, ds.InternalID)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	if remounted.Linking.Mode != LinkModeCustom || remounted.ExperimentID() != "CUSTOM-7" {
		t.Fatalf("remount changed state: %+v", remounted)
	}
}

func TestResolveDatasetMissingLinkAfterDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	exp := createExperiment(t, svc, "CTD casts", "EXP-1")
	ds := createDataset(t, svc, "cast-1")
	if _, _, err := svc.SelectDatasetExperiment(ctx, ds.InternalID, exp.InternalID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := svc.DeleteExperiment(ctx, exp.InternalID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	resolution, err := svc.ResolveDatasetExperimentID(ctx, ds.InternalID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolution.MissingLink || resolution.Value != "" {
		t.Fatalf("resolution = %+v, want missing link", resolution)
	}
}

func TestResolveMissingEntitiesReturnNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, err := svc.ResolveDatasetExperimentID(ctx, 4); err == nil {
		t.Fatal("expected error for missing dataset")
	}
	_, err := svc.ResolveExperimentProjectID(ctx, 4)
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExportBundleResolvesLinkedValues(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	setProjectID(t, svc, "PROJ-1")
	exp := createExperiment(t, svc, "CTD casts", "EXP-1")
	ds := createDataset(t, svc, "cast-1")
	if _, _, err := svc.SelectDatasetExperiment(ctx, ds.InternalID, exp.InternalID); err != nil {
		t.Fatalf("select: %v", err)
	}

	bundle, err := svc.ExportBundle(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.Project == nil || domain.FieldString(bundle.Project.FormData, domain.FieldProjectID) != "PROJ-1" {
		t.Fatalf("project section: %+v", bundle.Project)
	}
	if len(bundle.Experiments) != 1 || domain.FieldString(bundle.Experiments[0].FormData, domain.FieldProjectID) != "PROJ-1" {
		t.Fatalf("experiment section: %+v", bundle.Experiments)
	}
	if len(bundle.Datasets) != 1 || bundle.Datasets[0].ExperimentID() != "EXP-1" {
		t.Fatalf("dataset section: %+v", bundle.Datasets)
	}
}

func TestExportBundleEmptyStateHasEmptySections(t *testing.T) {
	bundle, err := newTestService(t).ExportBundle(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.Project != nil {
		t.Fatalf("empty store exported a project: %+v", bundle.Project)
	}
	if bundle.Experiments == nil || bundle.Datasets == nil {
		t.Fatal("sections must encode as [] rather than null")
	}
}

func TestResetDiscardsOpenImportSessions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, err := svc.OpenImport(ctx, strings.NewReader(`{"experiments":[{"name":"x","form_data":{}}],"datasets":[]}`))
	if err != nil {
		t.Fatalf("open import: %v", err)
	}
	if _, err := svc.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := svc.ImportSessionByID(session.ID()); ok {
		t.Fatal("import session survived reset")
	}
}

func TestServiceObservesOperations(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	recorder := NewExpvarMetricsRecorder("")
	svc.UseMetricsRecorder(recorder)

	createExperiment(t, svc, "CTD casts", "")
	if _, _, err := svc.SwitchDatasetMode(ctx, 99, LinkModeDropdown); err == nil {
		t.Fatal("expected error for missing dataset")
	}

	snapshot := recorder.Snapshot()
	if snapshot.Results["create_experiment"]["success"] != 1 {
		t.Fatalf("create_experiment success count = %v", snapshot.Results["create_experiment"])
	}
	if snapshot.Results["switch_dataset_mode"]["error"] != 1 {
		t.Fatalf("switch_dataset_mode error count = %v", snapshot.Results["switch_dataset_mode"])
	}
}
