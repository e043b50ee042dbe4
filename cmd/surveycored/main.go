// Command surveycored serves the metadata bundle editor API. Storage and
// blob backends are selected through SURVEYCORE_* environment variables.
package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"surveycore/internal/adapters/bundles"
	"surveycore/internal/blob"
	"surveycore/internal/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenPersistentStore(core.DefaultRulesEngine())
	if err != nil {
		log.Fatalf("open persistent store: %v", err)
	}

	blobStore, err := blob.Open(ctx)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}

	service := core.NewService(store)

	registry := prometheus.NewRegistry()
	recorder, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		log.Fatalf("register metrics: %v", err)
	}
	service.UseMetricsRecorder(recorder)

	worker := bundles.NewWorker(service, bundles.NewBlobObjectStore(blobStore))
	worker.Start()

	handler := bundles.NewHandler(service)
	handler.Exports = worker

	mux := http.NewServeMux()
	mux.Handle("/api/v1/bundle", handler)
	mux.Handle("/api/v1/bundle/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())

	addr := os.Getenv("SURVEYCORE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("surveycored listening on %s (storage=%s blob=%s)",
			addr, os.Getenv("SURVEYCORE_STORAGE_DRIVER"), blobStore.Driver())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatalf("serve: %v", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown http: %v", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Printf("stop export worker: %v", err)
	}
}
