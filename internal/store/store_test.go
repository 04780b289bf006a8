package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yarkm13/skiff/internal/transfer"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	file, err := Open("file:" + filepath.Join(dir, "jobs"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open("sqlite:" + filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{"file": file, "sqlite": db}
}

func TestStore_SaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			snap := transfer.Snapshot{
				ID:    "b",
				Kind:  transfer.KindDownload,
				Host:  "sftp://me@example.com",
				Roots: []transfer.Root{{Remote: "/data", Local: "/tmp/data", Directory: true}},
				Size:  100,
			}
			if err := s.Save(ctx, snap); err != nil {
				t.Fatal(err)
			}
			snap.Current = 40
			if err := s.Save(ctx, snap); err != nil {
				t.Fatalf("second save should replace: %v", err)
			}
			if err := s.Save(ctx, transfer.Snapshot{ID: "a", Kind: transfer.KindSync, Policy: transfer.ActionMirror}); err != nil {
				t.Fatal(err)
			}

			got, err := s.Load(ctx, "b")
			if err != nil {
				t.Fatal(err)
			}
			if got.Current != 40 || len(got.Roots) != 1 || got.Roots[0].Local != "/tmp/data" {
				t.Errorf("loaded %+v", got)
			}
			all, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 || all[0].ID != "a" || all[0].Policy != transfer.ActionMirror {
				t.Errorf("listed %+v", all)
			}

			if err := s.Delete(ctx, "b"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Load(ctx, "b"); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleted snapshot should be missing, got %v", err)
			}
			if err := s.Delete(ctx, "b"); err != nil {
				t.Errorf("deleting twice: %v", err)
			}
		})
	}
}

func TestFileStore_NoTemporaryLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), transfer.Snapshot{ID: "job"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "job.json" {
		t.Errorf("unexpected files %v", entries)
	}
	if err := s.Save(context.Background(), transfer.Snapshot{ID: "../escape"}); err == nil {
		t.Error("ids must not leave the store directory")
	}
}

func TestOpen_RejectsUnknownLocation(t *testing.T) {
	for _, loc := range []string{"", "file:", "redis:localhost", "jobs"} {
		if _, err := Open(loc); err == nil {
			t.Errorf("Open(%q) should fail", loc)
		}
	}
}
