package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"surveycore/internal/blob/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	info, err := store.Put(ctx, "exports/run1/bundle.json", strings.NewReader("payload"), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"datasets": "3"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len("payload")) || info.ETag == "" {
		t.Fatalf("unexpected put info: %+v", info)
	}

	head, err := store.Head(ctx, "exports/run1/bundle.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ContentType != "application/json" || head.Metadata["datasets"] != "3" {
		t.Fatalf("unexpected head info: %+v", head)
	}

	got, rc, err := store.Get(ctx, "exports/run1/bundle.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "payload" || got.ETag != info.ETag {
		t.Fatalf("get mismatch: %q %+v", body, got)
	}

	existed, err := store.Delete(ctx, "exports/run1/bundle.json")
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v", existed, err)
	}
	existed, err = store.Delete(ctx, "exports/run1/bundle.json")
	if err != nil || existed {
		t.Fatalf("second delete = %v, %v", existed, err)
	}
}

func TestPutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Put(ctx, "a", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "a", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatal("second put on same key should fail")
	}
}

func TestListFiltersByPrefixAndSorts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, key := range []string{"exports/b", "exports/a", "other/c"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %q: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "exports/a" || infos[1].Key != "exports/b" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, key := range []string{"", "  ", "/abs", "../escape", "a/../../b"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("key %q accepted, want rejection", key)
		}
	}
}

func TestPresignURLOnlySupportsGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	url, err := store.PresignURL(ctx, "some/key", core.SignedURLOptions{})
	if err != nil || url == "" {
		t.Fatalf("presign GET: %q %v", url, err)
	}
	if _, err := store.PresignURL(ctx, "some/key", core.SignedURLOptions{Method: "PUT"}); err != core.ErrUnsupported {
		t.Fatalf("presign PUT err = %v, want ErrUnsupported", err)
	}
}
