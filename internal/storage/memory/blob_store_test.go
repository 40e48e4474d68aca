package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "pages/s1/abc.html", "text/html", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://pages/s1/abc.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	got, ok := store.Object("pages/s1/abc.html")
	if !ok || string(got) != "content" {
		t.Fatalf("Object() = %q, %v", got, ok)
	}
	got[0] = 'C'
	again, _ := store.Object("pages/s1/abc.html")
	if string(again) != "content" {
		t.Fatalf("expected Object to return a copy, got %q", again)
	}
	if paths := store.Paths(); len(paths) != 1 || paths[0] != "pages/s1/abc.html" {
		t.Fatalf("Paths() = %v", paths)
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
