package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"storeit/pkg/domain"
	"storeit/pkg/identity"
	"storeit/pkg/query"
	"storeit/pkg/storage"
	"storeit/pkg/store"
)

type fakeBlobs struct {
	mu        sync.Mutex
	puts      []storage.Blob
	deletes   []string
	putErr    error
	deleteErr error
	next      int
}

func (f *fakeBlobs) Put(_ context.Context, name string, r io.Reader, size int64, _ string) (storage.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return storage.Blob{}, f.putErr
	}
	if r != nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return storage.Blob{}, err
		}
		size = n
	}
	f.next++
	blob := storage.Blob{ID: fmt.Sprintf("blob-%d", f.next), Name: name, Size: size}
	f.puts = append(f.puts, blob)
	return blob, nil
}

func (f *fakeBlobs) PresignGet(_ context.Context, blobID, filename string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.test/%s?name=%s&ttl=%d", blobID, filename, int(expiry.Seconds())), nil
}

func (f *fakeBlobs) Delete(_ context.Context, blobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, blobID)
	return f.deleteErr
}

func (f *fakeBlobs) counts() (puts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts), len(f.deletes)
}

// flakyStore fails selected operations of an in-memory store.
type flakyStore struct {
	*store.MemoryStore
	createErr error
	listErr   error
	lists     int
}

func (s *flakyStore) CreateFile(ctx context.Context, f domain.File) (domain.File, error) {
	if s.createErr != nil {
		return domain.File{}, s.createErr
	}
	return s.MemoryStore.CreateFile(ctx, f)
}

func (s *flakyStore) ListFiles(ctx context.Context, preds []query.Predicate) ([]domain.File, error) {
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListFiles(ctx, preds)
}

type fakeOrphans struct {
	mu    sync.Mutex
	blobs []string
	err   error
}

func (q *fakeOrphans) Enqueue(_ context.Context, blobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.blobs = append(q.blobs, blobID)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

// fakeIdentity accepts code "123456" for every challenge.
type fakeIdentity struct {
	mu         sync.Mutex
	accounts   map[string]string // email -> account id
	challenges map[string]string // challenge id -> email
	sessions   map[string]string // token -> account id
	issued     int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		accounts:   make(map[string]string),
		challenges: make(map[string]string),
		sessions:   make(map[string]string),
	}
}

func (f *fakeIdentity) IssueChallenge(_ context.Context, email string) (identity.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	acc, ok := f.accounts[email]
	if !ok {
		acc = fmt.Sprintf("acc-%d", len(f.accounts)+1)
		f.accounts[email] = acc
	}
	id := fmt.Sprintf("ch-%d", f.issued)
	f.challenges[id] = email
	return identity.Challenge{ID: id, Email: email, AccountID: acc, ExpiresIn: 5 * time.Minute}, nil
}

func (f *fakeIdentity) RedeemChallenge(_ context.Context, challengeID, code string) (identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.challenges[challengeID]
	if !ok {
		return identity.Session{}, identity.ErrChallengeInvalid
	}
	if code != "123456" {
		return identity.Session{}, identity.ErrCodeInvalid
	}
	delete(f.challenges, challengeID)
	token := "tok-" + challengeID
	f.sessions[token] = f.accounts[email]
	return identity.Session{Token: token, AccountID: f.accounts[email]}, nil
}

func (f *fakeIdentity) CurrentPrincipal(_ context.Context, token string) (identity.Principal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.sessions[token]
	if !ok {
		return identity.Principal{}, false, nil
	}
	return identity.Principal{AccountID: acc}, true, nil
}

func (f *fakeIdentity) Revoke(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

var errBoom = errors.New("boom")
