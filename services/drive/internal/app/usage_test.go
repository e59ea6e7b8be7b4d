package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storeit/pkg/domain"
	"storeit/pkg/store"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSummarizeImageBucket(t *testing.T) {
	files := []domain.File{
		{Category: domain.CategoryImage, Size: 100, UpdatedAt: day("2024-01-01")},
		{Category: domain.CategoryImage, Size: 200, UpdatedAt: day("2024-02-01")},
	}
	s := Summarize(files, domain.StorageCapacityBytes)

	image := s.Bucket(domain.CategoryImage)
	if image.Size != 300 || image.LatestDate != "2024-02-01T00:00:00Z" {
		t.Fatalf("image bucket = %+v", image)
	}
	for _, c := range []domain.Category{domain.CategoryDocument, domain.CategoryVideo, domain.CategoryAudio, domain.CategoryOther} {
		if b := s.Bucket(c); b.Size != 0 || b.LatestDate != "" {
			t.Fatalf("%s bucket should be empty, got %+v", c, b)
		}
	}
	if s.Used != 300 || s.Capacity != domain.StorageCapacityBytes {
		t.Fatalf("used=%d capacity=%d", s.Used, s.Capacity)
	}
}

func TestSummarizeKeepsSubSecondLatestDate(t *testing.T) {
	newest := time.Date(2024, 2, 1, 10, 0, 0, 123456000, time.UTC)
	files := []domain.File{
		{Category: domain.CategoryDocument, Size: 1, UpdatedAt: newest.Add(-time.Millisecond)},
		{Category: domain.CategoryDocument, Size: 1, UpdatedAt: newest},
	}
	doc := Summarize(files, 0).Bucket(domain.CategoryDocument)
	if doc.LatestDate != "2024-02-01T10:00:00.123456Z" {
		t.Fatalf("latestDate = %q", doc.LatestDate)
	}
	raw, err := json.Marshal(files[1].UpdatedAt)
	if err != nil {
		t.Fatalf("marshal updatedAt: %v", err)
	}
	if string(raw) != `"`+doc.LatestDate+`"` {
		t.Fatalf("latestDate %q does not match record updatedAt %s", doc.LatestDate, raw)
	}
}

func TestSummarizeTotalsAgree(t *testing.T) {
	files := []domain.File{
		{Category: domain.CategoryDocument, Size: 7, UpdatedAt: day("2023-05-02")},
		{Category: domain.CategoryVideo, Size: 1 << 20, UpdatedAt: day("2024-03-01")},
		{Category: domain.CategoryAudio, Size: 0},
		{Category: domain.CategoryOther, Size: 42, UpdatedAt: day("2022-12-31")},
		{Category: domain.Category(200), Size: 5, UpdatedAt: day("2023-01-01")},
		{Category: domain.CategoryDocument, Size: 3, UpdatedAt: day("2023-01-01")},
	}
	s := Summarize(files, 0)

	var buckets, records int64
	for _, c := range domain.Categories {
		buckets += s.Bucket(c).Size
	}
	for _, f := range files {
		records += f.Size
	}
	if buckets != s.Used || s.Used != records {
		t.Fatalf("sum(buckets)=%d used=%d sum(records)=%d", buckets, s.Used, records)
	}
	if got := s.Bucket(domain.CategoryDocument).LatestDate; got != "2023-05-02T00:00:00Z" {
		t.Fatalf("document latestDate = %q", got)
	}
	if got := s.Bucket(domain.CategoryOther); got.Size != 47 || got.LatestDate != "2023-01-01T00:00:00Z" {
		t.Fatalf("unknown categories must land in other, got %+v", got)
	}
	if got := s.Bucket(domain.CategoryAudio).LatestDate; got != "" {
		t.Fatalf("zero timestamps must not set latestDate, got %q", got)
	}
}

func TestAggregatorUnknownUserIsUnauthenticated(t *testing.T) {
	rows := &flakyStore{MemoryStore: store.NewMemoryStore()}
	agg := NewAggregator(rows, rows, 0)

	for _, id := range []string{"", "ghost"} {
		if _, err := agg.Usage(context.Background(), id); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("user %q: expected ErrUnauthenticated, got %v", id, err)
		}
	}
	if rows.lists != 0 {
		t.Fatalf("listing must not run for unresolved users, ran %d times", rows.lists)
	}
}

func TestAggregatorCountsOwnedFilesOnly(t *testing.T) {
	ctx := context.Background()
	rows := &flakyStore{MemoryStore: store.NewMemoryStore()}
	_ = rows.CreateUser(ctx, domain.User{ID: "u1", Email: "me@example.com"})
	_, _ = rows.CreateFile(ctx, domain.File{ID: "f1", OwnerID: "u1", Category: domain.CategoryImage, Size: 100, UpdatedAt: day("2024-01-01")})
	_, _ = rows.CreateFile(ctx, domain.File{ID: "f2", OwnerID: "u2", Users: []string{"me@example.com"}, Category: domain.CategoryImage, Size: 999, UpdatedAt: day("2024-06-01")})

	s, err := NewAggregator(rows, rows, 0).Usage(ctx, "u1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if s.Used != 100 || s.Bucket(domain.CategoryImage).LatestDate != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Capacity != domain.StorageCapacityBytes {
		t.Fatalf("capacity = %d", s.Capacity)
	}
}

func TestAggregatorWrapsListingFailure(t *testing.T) {
	ctx := context.Background()
	rows := &flakyStore{MemoryStore: store.NewMemoryStore(), listErr: errBoom}
	_ = rows.CreateUser(ctx, domain.User{ID: "u1"})
	_, err := NewAggregator(rows, rows, 0).Usage(ctx, "u1")
	if !errors.Is(err, ErrExternalStore) || !errors.Is(err, errBoom) {
		t.Fatalf("expected store failure, got %v", err)
	}
}
