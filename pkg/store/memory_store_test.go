package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"storeit/pkg/domain"
	"storeit/pkg/query"
)

func seedFiles(t *testing.T, s *MemoryStore) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	files := []domain.File{
		{ID: "f1", Name: "Trip.jpg", Category: domain.CategoryImage, Size: 300, OwnerID: "u1", UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "f2", Name: "report.pdf", Category: domain.CategoryDocument, Size: 100, OwnerID: "u1", UpdatedAt: base.Add(1 * time.Hour)},
		{ID: "f3", Name: "shared-trip.mp4", Category: domain.CategoryVideo, Size: 200, OwnerID: "u2", Users: []string{"me@example.com"}, UpdatedAt: base.Add(3 * time.Hour)},
		{ID: "f4", Name: "private.mp3", Category: domain.CategoryAudio, Size: 50, OwnerID: "u2", UpdatedAt: base},
	}
	for _, f := range files {
		if _, err := s.CreateFile(context.Background(), f); err != nil {
			t.Fatalf("create file %s: %v", f.ID, err)
		}
	}
}

func ids(files []domain.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryStoreListOwnedOrShared(t *testing.T) {
	s := NewMemoryStore()
	seedFiles(t, s)
	user := domain.User{ID: "u1", Email: "me@example.com"}

	got, err := s.ListFiles(context.Background(), query.Build(query.Params{}, user))
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if want := []string{"f3", "f1", "f2"}; !equalIDs(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	s := NewMemoryStore()
	seedFiles(t, s)
	user := domain.User{ID: "u1", Email: "me@example.com"}

	preds := query.Build(query.Params{
		Types:      []domain.Category{domain.CategoryImage, domain.CategoryVideo},
		SearchText: "TRIP",
		Sort:       "size-asc",
		Limit:      1,
	}, user)
	got, err := s.ListFiles(context.Background(), preds)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if want := []string{"f3"}; !equalIDs(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestMemoryStoreOwnerPredicateExcludesShared(t *testing.T) {
	s := NewMemoryStore()
	seedFiles(t, s)
	got, err := s.ListFiles(context.Background(), []query.Predicate{query.Owner{OwnerID: "u2"}})
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if want := []string{"f3", "f4"}; !equalIDs(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestMemoryStoreUpdateKeepsBlob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, err := s.CreateFile(ctx, domain.File{ID: "f1", Name: "a.txt", Extension: "txt", BlobID: "blob-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	name, ext, users := "b.md", "md", []string{"x@example.com"}
	updated, err := s.UpdateFile(ctx, created.ID, FilePatch{Name: &name, Extension: &ext, Users: &users})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "b.md" || updated.Extension != "md" || updated.BlobID != "blob-1" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if !updated.SharedWith("X@example.com") {
		t.Fatalf("expected file to be shared with x@example.com")
	}
	users[0] = "mutated@example.com"
	again, _, _ := s.GetFile(ctx, "f1")
	if again.Users[0] != "x@example.com" {
		t.Fatalf("store aliased caller slice: %v", again.Users)
	}
}

func TestMemoryStoreMissingRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.UpdateFile(ctx, "missing", FilePatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: err=%v", err)
	}
	if err := s.DeleteFile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: err=%v", err)
	}
}

func TestMemoryStoreUserLookupsPreferEarliest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.CreateUser(ctx, domain.User{ID: "late", Email: "a@example.com", AccountID: "acc", CreatedAt: first.Add(time.Hour)})
	_ = s.CreateUser(ctx, domain.User{ID: "early", Email: "a@example.com", AccountID: "acc", CreatedAt: first})

	u, ok, err := s.GetUserByEmail(ctx, "a@example.com")
	if err != nil || !ok || u.ID != "early" {
		t.Fatalf("by email: ok=%v err=%v user=%+v", ok, err, u)
	}
	u, ok, err = s.GetUserByAccountID(ctx, "acc")
	if err != nil || !ok || u.ID != "early" {
		t.Fatalf("by account: ok=%v err=%v user=%+v", ok, err, u)
	}
	if _, ok, _ := s.GetUserByAccountID(ctx, "other"); ok {
		t.Fatalf("expected unknown account to miss")
	}
}

func TestMemoryStoreGetFileByBlobID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateFile(ctx, domain.File{ID: "f1", BlobID: "b1", OwnerID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f, ok, err := s.GetFileByBlobID(ctx, "b1")
	if err != nil || !ok || f.ID != "f1" {
		t.Fatalf("lookup: ok=%v err=%v file=%+v", ok, err, f)
	}
	if _, ok, _ := s.GetFileByBlobID(ctx, "b2"); ok {
		t.Fatalf("unknown blob should not resolve")
	}
}
