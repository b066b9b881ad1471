package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	srcDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "castor.db", "hello world")
	ctx := context.Background()

	objectPath := "runs/castor.db"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "nested", "downloaded.db")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != "hello world" {
		t.Errorf("content mismatch: got %q", downloaded)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Deleting again is not an error.
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_UploadMultipartETag(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	src := writeFile(t, t.TempDir(), "a.csv", "")

	etag, err := storage.UploadMultipart(context.Background(), src, "a.csv")
	if err != nil {
		t.Fatalf("UploadMultipart failed: %v", err)
	}
	// MD5 of the empty string.
	if etag != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("unexpected etag %q", etag)
	}
}

func TestLocalStorage_DownloadMissing(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	err = storage.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	src := writeFile(t, t.TempDir(), "f", "x")
	ctx := context.Background()
	for _, p := range []string{"a/1", "a/2", "b/1"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	objects, err := storage.ListObjects(ctx, "a")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 || objects[0] != "a/1" || objects[1] != "a/2" {
		t.Errorf("unexpected objects %v", objects)
	}

	objects, err = storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected no objects, got %v", objects)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := storage.Upload(ctx, "x", "y"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Type: TypeNone})
	if err != nil || s != nil {
		t.Errorf("expected nil storage for none, got %v, %v", s, err)
	}
	if _, err := Open(ctx, Options{Type: TypeLocal}); err == nil {
		t.Error("expected error for local storage without path")
	}
	if _, err := Open(ctx, Options{Type: TypeS3}); err == nil {
		t.Error("expected error for s3 storage without bucket")
	}
	if _, err := Open(ctx, Options{Type: "gcs"}); err == nil {
		t.Error("expected error for unknown type")
	}
	s, err = Open(ctx, Options{Type: TypeLocal, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open local failed: %v", err)
	}
	if _, ok := s.(*LocalStorage); !ok {
		t.Errorf("expected *LocalStorage, got %T", s)
	}
}
