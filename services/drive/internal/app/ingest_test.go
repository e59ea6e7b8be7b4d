package app

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"storeit/pkg/domain"
	"storeit/pkg/query"
	"storeit/pkg/store"
)

func newTestIngestor(blobs *fakeBlobs, rows FileCreator, events *eventLog, orphans OrphanQueue) *Ingestor {
	return NewIngestor(blobs, rows, IngestorOptions{
		PublicBaseURL: "https://drive.test",
		Notifier:      events,
		Orphans:       orphans,
	})
}

func TestIngestStoresReportPDF(t *testing.T) {
	blobs := &fakeBlobs{}
	rows := store.NewMemoryStore()
	events := &eventLog{}
	in := newTestIngestor(blobs, rows, events, nil)

	f, err := in.Ingest(context.Background(), Upload{
		Name:      "report.pdf",
		Size:      10,
		Body:      bytes.NewReader([]byte("0123456789")),
		OwnerID:   "u1",
		AccountID: "a1",
		Path:      "/documents",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if f.Category != domain.CategoryDocument || f.Extension != "pdf" || f.Size != 10 {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.OwnerID != "u1" || f.AccountID != "a1" || len(f.Users) != 0 {
		t.Fatalf("unexpected ownership: %+v", f)
	}
	puts, deletes := blobs.counts()
	if puts != 1 || deletes != 0 {
		t.Fatalf("blob calls puts=%d deletes=%d", puts, deletes)
	}
	if f.BlobID != blobs.puts[0].ID {
		t.Fatalf("blob id %q, blob store returned %q", f.BlobID, blobs.puts[0].ID)
	}
	if f.URL != "https://drive.test/blobs/"+f.BlobID {
		t.Fatalf("unexpected url %q", f.URL)
	}
	rowsNow, _ := rows.ListFiles(context.Background(), []query.Predicate{query.Owner{OwnerID: "u1"}})
	if len(rowsNow) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rowsNow))
	}
	if got := events.kinds(); !reflect.DeepEqual(got, []EventKind{EventCompleted}) {
		t.Fatalf("events = %v", got)
	}
	if events.events[0].Path != "/documents" {
		t.Fatalf("event path = %q", events.events[0].Path)
	}
}

func TestIngestRejectsOversizedWithoutExternalCalls(t *testing.T) {
	for _, size := range []int64{domain.MaxUploadBytes + 1, 60 * 1024 * 1024, 1 << 40} {
		blobs := &fakeBlobs{}
		rows := &flakyStore{MemoryStore: store.NewMemoryStore()}
		events := &eventLog{}
		in := newTestIngestor(blobs, rows, events, nil)

		_, err := in.Ingest(context.Background(), Upload{Name: "movie.mp4", Size: size, OwnerID: "u1"})
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("size %d: expected ErrPayloadTooLarge, got %v", size, err)
		}
		if puts, deletes := blobs.counts(); puts != 0 || deletes != 0 {
			t.Fatalf("size %d: blob store contacted puts=%d deletes=%d", size, puts, deletes)
		}
		files, _ := rows.MemoryStore.ListFiles(context.Background(), nil)
		if len(files) != 0 {
			t.Fatalf("size %d: expected no rows, got %d", size, len(files))
		}
		if got := events.kinds(); !reflect.DeepEqual(got, []EventKind{EventRejected}) {
			t.Fatalf("size %d: events = %v", size, got)
		}
	}
}

func TestIngestAcceptsExactLimit(t *testing.T) {
	blobs := &fakeBlobs{}
	in := NewIngestor(blobs, store.NewMemoryStore(), IngestorOptions{MaxBytes: 4})
	f, err := in.Ingest(context.Background(), Upload{Name: "a.txt", Size: 4, Body: strings.NewReader("abcd")})
	if err != nil {
		t.Fatalf("ingest at limit: %v", err)
	}
	if f.Size != 4 {
		t.Fatalf("size = %d", f.Size)
	}
}

func TestIngestCompensatesFailedRowCreate(t *testing.T) {
	for _, body := range []string{"", "x", strings.Repeat("z", 4096)} {
		blobs := &fakeBlobs{}
		rows := &flakyStore{MemoryStore: store.NewMemoryStore(), createErr: errBoom}
		events := &eventLog{}
		in := newTestIngestor(blobs, rows, events, nil)

		_, err := in.Ingest(context.Background(), Upload{Name: "photo.png", Size: int64(len(body)), Body: strings.NewReader(body)})
		if !errors.Is(err, ErrExternalStore) || !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped store failure, got %v", err)
		}
		var comp *CompensationError
		if errors.As(err, &comp) {
			t.Fatalf("successful rollback must not report a compensation failure")
		}
		var serr *StoreError
		if !errors.As(err, &serr) || serr.Op != "create_row" {
			t.Fatalf("unexpected error %v", err)
		}
		if len(blobs.deletes) != 1 || blobs.deletes[0] != blobs.puts[0].ID {
			t.Fatalf("expected exactly one delete of %s, got %v", blobs.puts[0].ID, blobs.deletes)
		}
		if got := events.kinds(); !reflect.DeepEqual(got, []EventKind{EventFailed}) {
			t.Fatalf("events = %v", got)
		}
	}
}

func TestIngestCompensationFailureQueuesOrphan(t *testing.T) {
	blobs := &fakeBlobs{deleteErr: errors.New("delete refused")}
	rows := &flakyStore{MemoryStore: store.NewMemoryStore(), createErr: errBoom}
	orphans := &fakeOrphans{}
	in := newTestIngestor(blobs, rows, &eventLog{}, orphans)

	_, err := in.Ingest(context.Background(), Upload{Name: "song.mp3", Size: 3, Body: strings.NewReader("abc")})
	var comp *CompensationError
	if !errors.As(err, &comp) {
		t.Fatalf("expected CompensationError, got %v", err)
	}
	if comp.BlobID != blobs.puts[0].ID || comp.RollbackErr == nil {
		t.Fatalf("unexpected compensation error: %+v", comp)
	}
	if !errors.Is(err, ErrExternalStore) || !errors.Is(err, errBoom) {
		t.Fatalf("compensation error must unwrap to the original failure: %v", err)
	}
	if len(blobs.deletes) != 1 {
		t.Fatalf("expected one inline delete attempt, got %d", len(blobs.deletes))
	}
	if len(orphans.blobs) != 1 || orphans.blobs[0] != comp.BlobID {
		t.Fatalf("expected orphan queued, got %v", orphans.blobs)
	}
}

func TestIngestBlobFailureCreatesNoRow(t *testing.T) {
	blobs := &fakeBlobs{putErr: errBoom}
	rows := store.NewMemoryStore()
	in := newTestIngestor(blobs, rows, &eventLog{}, nil)

	_, err := in.Ingest(context.Background(), Upload{Name: "a.txt", Size: 1, Body: strings.NewReader("a")})
	var serr *StoreError
	if !errors.As(err, &serr) || serr.Op != "put_blob" {
		t.Fatalf("expected put_blob failure, got %v", err)
	}
	files, _ := rows.ListFiles(context.Background(), nil)
	if len(files) != 0 {
		t.Fatalf("expected no rows, got %d", len(files))
	}
}

func TestIngestValidatesInput(t *testing.T) {
	blobs := &fakeBlobs{}
	in := newTestIngestor(blobs, store.NewMemoryStore(), &eventLog{}, nil)
	if _, err := in.Ingest(context.Background(), Upload{Name: "  ", Size: 1}); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if _, err := in.Ingest(context.Background(), Upload{Name: "a.txt", Size: -1}); !errors.Is(err, ErrUploadSizeUnknown) {
		t.Fatalf("expected ErrUploadSizeUnknown, got %v", err)
	}
	if puts, _ := blobs.counts(); puts != 0 {
		t.Fatalf("invalid input must not reach the blob store")
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":             "report.pdf",
		`C:\Users\me\report.pdf`: "report.pdf",
		"dir/sub/photo.JPG":      "photo.JPG",
		"  ":                     "",
		"/":                      "",
	}
	for in, want := range tests {
		if got := displayName(in); got != want {
			t.Fatalf("displayName(%q) = %q, want %q", in, got, want)
		}
	}
}
