// Package bundles exposes the metadata bundle editor over HTTP: bundle
// download, import session handling and asynchronous archival exports.
package bundles

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"surveycore/internal/core"
	"surveycore/pkg/domain"
)

// Handler provides HTTP access to bundle exports and import sessions.
type Handler struct {
	Service *core.Service
	Exports ExportScheduler
}

// NewHandler constructs a bundle HTTP handler.
func NewHandler(service *core.Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "bundle service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/bundle":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleDownload(w, r)
	case path == "/api/v1/bundle/imports":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleImportOpen(w, r)
	case strings.HasPrefix(path, "/api/v1/bundle/imports/"):
		h.handleImport(w, r, strings.TrimPrefix(path, "/api/v1/bundle/imports/"))
	case path == "/api/v1/bundle/exports":
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleExportCreate(w, r)
	case strings.HasPrefix(path, "/api/v1/bundle/exports/"):
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleExportGet(w, strings.TrimPrefix(path, "/api/v1/bundle/exports/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.Service.ExportBundle(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	filename := fmt.Sprintf("bundle-%s.json", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_ = domain.EncodeBundle(w, bundle)
}

func (h *Handler) handleImportOpen(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.OpenImport(r.Context(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"import": session.Preview()})
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	session, ok := h.Service.ImportSessionByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "import session not found")
		return
	}

	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"import": session.Preview()})
	case len(segments) == 2 && segments[1] == "commit":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleImportCommit(w, r, session)
	case len(segments) == 2 && segments[1] == "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		session.Cancel()
		writeJSON(w, http.StatusOK, map[string]any{"import": session.Preview()})
	case len(segments) == 3 && segments[1] == "items":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleImportItem(w, r, session, segments[2])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleImportCommit(w http.ResponseWriter, r *http.Request, session *core.ImportSession) {
	result, err := session.Commit(r.Context())
	if err != nil {
		var ruleErr domain.RuleViolationError
		switch {
		case errors.Is(err, core.ErrImportBlocked), errors.Is(err, core.ErrSessionClosed):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &ruleErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"result": ruleErr.Result,
			})
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"import": session.Preview(),
		"result": result,
	})
}

type importItemRequest struct {
	Selected *bool   `json:"selected,omitempty"`
	Link     *string `json:"link,omitempty"`
}

func (h *Handler) handleImportItem(w http.ResponseWriter, r *http.Request, session *core.ImportSession, key string) {
	var req importItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid import item payload")
		return
	}
	if req.Selected == nil && req.Link == nil {
		writeError(w, http.StatusBadRequest, "selected or link required")
		return
	}
	if req.Selected != nil {
		if err := session.SetItemSelected(key, *req.Selected); err != nil {
			writeItemError(w, err)
			return
		}
	}
	if req.Link != nil {
		if err := session.SetDatasetLink(key, *req.Link); err != nil {
			writeItemError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"import": session.Preview()})
}

func writeItemError(w http.ResponseWriter, err error) {
	var notFound domain.ErrNotFound
	switch {
	case errors.Is(err, core.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type exportRequest struct {
	Formats     []string `json:"formats"`
	RequestedBy string   `json:"requested_by"`
	Reason      string   `json:"reason"`
}

func (h *Handler) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "invalid export request payload")
		return
	}
	formats := make([]ExportFormat, 0, len(req.Formats))
	for _, f := range req.Formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "json":
			formats = append(formats, FormatJSON)
		case "csv":
			formats = append(formats, FormatCSV)
		default:
			writeError(w, http.StatusBadRequest, "unsupported export format")
			return
		}
	}
	record, err := h.Exports.EnqueueExport(r.Context(), ExportInput{
		Formats:     formats,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

func (h *Handler) handleExportGet(w http.ResponseWriter, id string) {
	record, ok := h.Exports.GetExport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
