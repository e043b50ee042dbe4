package bundles

import (
	"context"
	"testing"

	"surveycore/internal/blob"
)

func TestBlobObjectStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backing := blob.NewMemory()
	store := NewBlobObjectStore(backing)

	artifact, err := store.Put(ctx, "job-1/bundle.json", []byte(`{"experiments":[]}`), "application/json", map[string]string{"experiments": "0"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if artifact.ID != "job-1/bundle.json" || artifact.SizeBytes == 0 {
		t.Fatalf("unexpected artifact: %+v", artifact)
	}

	// The blob key is namespaced so exports share buckets safely.
	if _, err := backing.Head(ctx, "exports/job-1/bundle.json"); err != nil {
		t.Fatalf("expected namespaced blob key: %v", err)
	}

	got, payload, err := store.Get(ctx, "job-1/bundle.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(payload) != `{"experiments":[]}` {
		t.Fatalf("payload = %q", payload)
	}
	if got.ContentType != "application/json" || got.Metadata["experiments"] != "0" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
}

func TestBlobObjectStoreListStripsPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewBlobObjectStore(blob.NewMemory())

	for _, key := range []string{"job-2/bundle.csv", "job-1/bundle.json", "job-1/bundle.csv"} {
		if _, err := store.Put(ctx, key, []byte("x"), "text/plain", nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	artifacts, err := store.List(ctx, "job-1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("len(artifacts) = %d, want 2", len(artifacts))
	}
	if artifacts[0].ID != "job-1/bundle.csv" || artifacts[1].ID != "job-1/bundle.json" {
		t.Fatalf("unexpected ordering: %+v", artifacts)
	}
}

func TestBlobObjectStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewBlobObjectStore(blob.NewMemory())

	if _, err := store.Put(ctx, "job-3/bundle.json", []byte("{}"), "application/json", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := store.Delete(ctx, "job-3/bundle.json")
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v", existed, err)
	}
	if _, _, err := store.Get(ctx, "job-3/bundle.json"); err == nil {
		t.Fatal("get after delete should fail")
	}
}
