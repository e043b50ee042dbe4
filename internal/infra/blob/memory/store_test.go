package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"surveycore/internal/blob/core"
)

func TestRoundTripAndCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.Put(ctx, "k", strings.NewReader("v"), core.PutOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("v2"), core.PutOptions{}); err == nil {
		t.Fatal("duplicate put should fail")
	}

	info, rc, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "v" || info.ContentType != "text/plain" {
		t.Fatalf("round trip mismatch: %q %+v", body, info)
	}

	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatal("head of missing key should fail")
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, key := range []string{"exports/2", "exports/1", "logs/1"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %q: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "exports/1" || infos[1].Key != "exports/2" {
		t.Fatalf("unexpected listing: %+v", infos)
	}

	existed, err := store.Delete(ctx, "logs/1")
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v", existed, err)
	}
	existed, err = store.Delete(ctx, "logs/1")
	if err != nil || existed {
		t.Fatalf("second delete = %v, %v", existed, err)
	}
}

func TestPresignUnsupported(t *testing.T) {
	store := New()
	if _, err := store.PresignURL(context.Background(), "k", core.SignedURLOptions{}); err != core.ErrUnsupported {
		t.Fatalf("presign err = %v, want ErrUnsupported", err)
	}
}
