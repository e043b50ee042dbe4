package bundles

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"
	"time"

	"surveycore/internal/core"
	"surveycore/pkg/domain"
)

// ExportFormat names a renderable bundle artifact format.
type ExportFormat string

const (
	// FormatJSON renders the full metadata bundle document.
	FormatJSON ExportFormat = "json"
	// FormatCSV renders a per-dataset summary table.
	FormatCSV ExportFormat = "csv"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ExportArtifact captures a stored bundle artifact.
type ExportArtifact struct {
	ID          string            `json:"id"`
	Format      ExportFormat      `json:"format,omitempty"`
	ContentType string            `json:"content_type"`
	SizeBytes   int64             `json:"size_bytes"`
	URL         string            `json:"url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ExportRecord tracks an export request and its resulting artifacts.
type ExportRecord struct {
	ID          string           `json:"id"`
	Formats     []ExportFormat   `json:"formats"`
	Status      ExportStatus     `json:"status"`
	Error       string           `json:"error,omitempty"`
	Artifacts   []ExportArtifact `json:"artifacts,omitempty"`
	RequestedBy string           `json:"requested_by,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (r ExportRecord) copy() ExportRecord {
	dup := r
	dup.Formats = append([]ExportFormat(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]ExportArtifact(nil), r.Artifacts...)
	}
	return dup
}

// ExportInput represents an enqueue request for the worker.
type ExportInput struct {
	Formats     []ExportFormat
	RequestedBy string
	Reason      string
}

// ExportScheduler queues bundle export requests and exposes status.
type ExportScheduler interface {
	EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error)
	GetExport(id string) (ExportRecord, bool)
}

// Worker renders bundle exports asynchronously and persists the
// artifacts through an ObjectStore.
type Worker struct {
	service *core.Service
	store   ObjectStore

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ExportScheduler = (*Worker)(nil)

type exportTask struct {
	id      string
	formats []ExportFormat
}

// NewWorker constructs an export worker over service and store.
func NewWorker(service *core.Service, store ObjectStore) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		service: service,
		store:   store,
		queue:   make(chan exportTask, 32),
		jobs:    make(map[string]*ExportRecord),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for in-flight work.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// EnqueueExport schedules an export job and returns the queued record.
func (w *Worker) EnqueueExport(_ context.Context, input ExportInput) (ExportRecord, error) {
	formats := input.Formats
	if len(formats) == 0 {
		formats = []ExportFormat{FormatJSON, FormatCSV}
	}
	uniq := make([]ExportFormat, 0, len(formats))
	seen := make(map[ExportFormat]struct{})
	for _, format := range formats {
		if _, duplicate := seen[format]; duplicate {
			continue
		}
		switch format {
		case FormatJSON, FormatCSV:
		default:
			return ExportRecord{}, fmt.Errorf("unsupported export format %s", format)
		}
		uniq = append(uniq, format)
		seen[format] = struct{}{}
	}

	id := newExportID()
	now := time.Now().UTC()
	record := ExportRecord{
		ID:          id,
		Formats:     uniq,
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	snapshot := record.copy()
	w.mu.Unlock()

	select {
	case w.queue <- exportTask{id: id, formats: uniq}:
	default:
		return ExportRecord{}, fmt.Errorf("export queue full")
	}
	return snapshot, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(task exportTask) {
	w.updateStatus(task.id, ExportStatusRunning, "")

	bundle, err := w.service.ExportBundle(w.ctx)
	if err != nil {
		w.fail(task.id, fmt.Sprintf("render bundle: %v", err))
		return
	}

	artifacts := make([]ExportArtifact, 0, len(task.formats))
	for _, format := range task.formats {
		payload, contentType, err := w.render(format, bundle)
		if err != nil {
			w.fail(task.id, err.Error())
			return
		}
		key := fmt.Sprintf("%s/%s.%s", task.id, "bundle", format)
		metadata := map[string]string{
			"experiments": strconv.Itoa(len(bundle.Experiments)),
			"datasets":    strconv.Itoa(len(bundle.Datasets)),
		}
		stored, err := w.store.Put(w.ctx, key, payload, contentType, metadata)
		if err != nil {
			w.fail(task.id, fmt.Sprintf("store artifact: %v", err))
			return
		}
		stored.Format = format
		if stored.ContentType == "" {
			stored.ContentType = contentType
		}
		artifacts = append(artifacts, stored)
	}

	w.complete(task.id, artifacts)
}

func (w *Worker) render(format ExportFormat, bundle domain.Bundle) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		buf := &bytes.Buffer{}
		if err := domain.EncodeBundle(buf, bundle); err != nil {
			return nil, "", fmt.Errorf("encode bundle json: %w", err)
		}
		return buf.Bytes(), "application/json", nil
	case FormatCSV:
		payload, err := w.renderDatasetSummary(bundle)
		if err != nil {
			return nil, "", err
		}
		return payload, "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %s", format)
	}
}

// renderDatasetSummary writes one row per dataset with its effective
// experiment binding as resolved at render time.
func (w *Worker) renderDatasetSummary(bundle domain.Bundle) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write([]string{"dataset", "experiment_id", "fields"}); err != nil {
		return nil, err
	}
	for _, ds := range bundle.Datasets {
		row := []string{ds.Name, ds.ExperimentID(), strconv.Itoa(len(ds.FormData))}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Worker) updateStatus(id string, status ExportStatus, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
}

func (w *Worker) complete(id string, artifacts []ExportArtifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
}

func newExportID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}
