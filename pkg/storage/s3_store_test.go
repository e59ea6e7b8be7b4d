package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const denyMarker = "denied"

// fakeS3 serves path-style PutObject and DeleteObject for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deletes []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	if strings.Contains(key, denyMarker) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		f.deletes = append(f.deletes, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3, *httptest.Server) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	s, err := NewS3Store(context.Background(), S3Config{
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "test",
		SecretKey:    "secret",
		Bucket:       "files",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return s, fake, srv
}

func TestS3StorePutStoresObjectUnderBlobKey(t *testing.T) {
	s, fake, _ := newTestS3Store(t)
	body := []byte("quarterly numbers")

	blob, err := s.Put(context.Background(), "report.pdf", bytes.NewReader(body), int64(len(body)), "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if blob.ID == "" || blob.Name != "report.pdf" || blob.Size != int64(len(body)) {
		t.Fatalf("unexpected blob %+v", blob)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	stored, ok := fake.objects[objectKey(blob.ID)]
	if !ok {
		t.Fatalf("object %q not stored, have %v", objectKey(blob.ID), fake.objects)
	}
	if !bytes.Contains(stored, body) {
		t.Fatalf("stored body %q does not contain upload", stored)
	}
	if got := fake.types[objectKey(blob.ID)]; got != "application/pdf" {
		t.Fatalf("content type = %q", got)
	}
}

func TestS3StoreDelete(t *testing.T) {
	s, fake, _ := newTestS3Store(t)
	ctx := context.Background()
	blob, err := s.Put(ctx, "a.txt", bytes.NewReader([]byte("a")), 1, "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, blob.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fake.mu.Lock()
	_, left := fake.objects[objectKey(blob.ID)]
	deletes := append([]string(nil), fake.deletes...)
	fake.mu.Unlock()
	if left || len(deletes) != 1 || deletes[0] != objectKey(blob.ID) {
		t.Fatalf("object not deleted: left=%v deletes=%v", left, deletes)
	}

	if err := s.Delete(ctx, " "); err != errBlobIDRequired {
		t.Fatalf("expected errBlobIDRequired, got %v", err)
	}
	err = s.Delete(ctx, denyMarker)
	if err == nil || !strings.Contains(err.Error(), "delete object") {
		t.Fatalf("expected wrapped delete error, got %v", err)
	}
}

func TestS3StorePresignGet(t *testing.T) {
	s, _, srv := newTestS3Store(t)

	raw, err := s.PresignGet(context.Background(), "blob-1", "report.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if !strings.HasPrefix(raw, srv.URL) || u.Path != "/files/blobs/blob-1" {
		t.Fatalf("unexpected presigned url %q", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "900" {
		t.Fatalf("expires = %q", q.Get("X-Amz-Expires"))
	}
	if q.Get("response-content-disposition") != `attachment; filename="report.pdf"` {
		t.Fatalf("disposition = %q", q.Get("response-content-disposition"))
	}
	if _, err := s.PresignGet(context.Background(), "", "x", time.Minute); err != errBlobIDRequired {
		t.Fatalf("expected errBlobIDRequired, got %v", err)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
