package bundles

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"surveycore/internal/core"
	"surveycore/pkg/domain"
)

type importEnvelope struct {
	Import core.Preview `json:"import"`
	Result *core.Result `json:"result"`
	Error  string       `json:"error"`
}

type exportEnvelope struct {
	Export ExportRecord `json:"export"`
	Error  string       `json:"error"`
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeImport(t *testing.T, rec *httptest.ResponseRecorder) importEnvelope {
	t.Helper()
	var envelope importEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return envelope
}

func TestBundleDownload(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/bundle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if disposition := rec.Header().Get("Content-Disposition"); !strings.Contains(disposition, "attachment") {
		t.Fatalf("content disposition = %q", disposition)
	}
	bundle, err := domain.DecodeBundle(rec.Body)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if len(bundle.Experiments) != 1 || len(bundle.Datasets) != 1 {
		t.Fatalf("bundle sections = %d experiments, %d datasets", len(bundle.Experiments), len(bundle.Datasets))
	}
}

func TestBundleMethodNotAllowed(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	rec := doRequest(t, handler, http.MethodPut, "/api/v1/bundle", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestImportLifecycleOverHTTP(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	file := `{
		"project": {"form_data": {"project_id": "PROJ-2", "name": "Gulf survey"}},
		"experiments": [{"name": "Trawls", "form_data": {"experiment_id": "EXP-9"}}],
		"datasets": [{"name": "trawl-01", "form_data": {"experiment_id": "EXP-9"}}]
	}`
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports", file)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open import status = %d, body = %s", rec.Code, rec.Body)
	}
	preview := decodeImport(t, rec).Import
	if preview.State != core.SessionPreviewed || len(preview.Items) != 3 {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	base := "/api/v1/bundle/imports/" + preview.SessionID

	// Link the dataset to the experiment arriving in the same file.
	rec = doRequest(t, handler, http.MethodPost, base+"/items/dataset-0", `{"link": "importing-experiment-0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set link status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, handler, http.MethodPost, base+"/items/project", `{"selected": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("deselect status = %d, body = %s", rec.Code, rec.Body)
	}
	preview = decodeImport(t, rec).Import
	for _, item := range preview.Items {
		if item.Key == "project" && item.Selected {
			t.Fatal("project item should be deselected")
		}
	}

	rec = doRequest(t, handler, http.MethodPost, base+"/commit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d, body = %s", rec.Code, rec.Body)
	}
	envelope := decodeImport(t, rec)
	if envelope.Import.State != core.SessionCommitted {
		t.Fatalf("state = %s, want committed", envelope.Import.State)
	}

	// Committed sessions are discarded from the service registry.
	rec = doRequest(t, handler, http.MethodGet, base, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after commit status = %d, want 404", rec.Code)
	}
}

func TestImportCommitBlockedByDuplicateIDs(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	file := `{
		"experiments": [
			{"name": "A", "form_data": {"experiment_id": "EXP-7"}},
			{"name": "B", "form_data": {"experiment_id": "EXP-7"}}
		],
		"datasets": []
	}`
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports", file)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open import status = %d", rec.Code)
	}
	preview := decodeImport(t, rec).Import
	if !preview.HasBlockingError() {
		t.Fatal("duplicate ids in file should block the session")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports/"+preview.SessionID+"/commit", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("commit status = %d, want 409", rec.Code)
	}
}

func TestImportCancelOverHTTP(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports", `{"experiments": [], "datasets": []}`)
	preview := decodeImport(t, rec).Import

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports/"+preview.SessionID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decodeImport(t, rec).Import.State; got != core.SessionCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
}

func TestImportErrorStatuses(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed bundle status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/bundle/imports/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/bundle/imports", `{"experiments": [], "datasets": [{"name": "d", "form_data": {}}]}`)
	preview := decodeImport(t, rec).Import
	base := "/api/v1/bundle/imports/" + preview.SessionID

	rec = doRequest(t, handler, http.MethodPost, base+"/items/dataset-0", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty item payload status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodPost, base+"/items/dataset-0", `{"link": "radio"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid link status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodPost, base+"/items/dataset-9", `{"selected": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown item status = %d, want 400", rec.Code)
	}
}

func TestExportEndpoints(t *testing.T) {
	svc := newSeededService(t)
	worker, _ := startWorker(t, svc)
	handler := NewHandler(svc)
	handler.Exports = worker

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/exports", `{"formats": ["json"], "requested_by": "data-manager"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create export status = %d, body = %s", rec.Code, rec.Body)
	}
	var created exportEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Export.RequestedBy != "data-manager" {
		t.Fatalf("requested_by = %q", created.Export.RequestedBy)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doRequest(t, handler, http.MethodGet, "/api/v1/bundle/exports/"+created.Export.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get export status = %d", rec.Code)
		}
		var fetched exportEnvelope
		if err := json.NewDecoder(rec.Body).Decode(&fetched); err != nil {
			t.Fatalf("decode get response: %v", err)
		}
		if fetched.Export.Status == ExportStatusSucceeded {
			if len(fetched.Export.Artifacts) != 1 {
				t.Fatalf("artifacts = %+v", fetched.Export.Artifacts)
			}
			break
		}
		if fetched.Export.Status == ExportStatusFailed {
			t.Fatalf("export failed: %s", fetched.Export.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("export stuck in status %s", fetched.Export.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/bundle/exports/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown export status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/bundle/exports", `{"formats": ["xml"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d, want 400", rec.Code)
	}
}

func TestExportEndpointsDisabledWithoutScheduler(t *testing.T) {
	handler := NewHandler(newSeededService(t))

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/bundle/exports", "{}")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when exports are not wired", rec.Code)
	}
}
