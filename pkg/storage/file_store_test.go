package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	key := "materials/u1/abc.pdf"
	body := "%PDF-1.4 test"
	if err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "application/pdf", map[string]string{"Fingerprint": "ff00"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	info, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != int64(len(body)) || info.ContentType != "application/pdf" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Metadata["fingerprint"] != "ff00" {
		t.Fatalf("metadata keys should be lower case: %+v", info.Metadata)
	}

	rc, _, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != body {
		t.Fatalf("body = %q", got)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Stat(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, key := range []string{"../etc/passwd", "/abs/path", "", "a/../../b"} {
		if err := store.Put(context.Background(), key, strings.NewReader("x"), 1, "text/plain", nil); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestFileStorePresignUnsupported(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := store.PresignGet(context.Background(), "materials/u1/a.pdf", 0); !errors.Is(err, ErrPresignUnsupported) {
		t.Fatalf("expected ErrPresignUnsupported, got %v", err)
	}
}
