package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"storeit/internal/util"
	"storeit/pkg/domain"
	"storeit/pkg/query"
)

// MemoryStore keeps rows in-process. It evaluates the same predicate lists as
// GormStore and is used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User // key: user ID
	files  map[string]domain.File // key: file ID
	orders []string               // file insertion order
	now    func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		files: make(map[string]domain.File),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser stores a user row.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = util.NewID()
	}
	m.users[u.ID] = u
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail returns the earliest user registered with email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	return m.firstUser(func(u domain.User) bool { return u.Email == email })
}

// GetUserByAccountID returns the earliest user linked to accountID.
func (m *MemoryStore) GetUserByAccountID(_ context.Context, accountID string) (domain.User, bool, error) {
	return m.firstUser(func(u domain.User) bool { return u.AccountID == accountID })
}

func (m *MemoryStore) firstUser(match func(domain.User) bool) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found domain.User
		ok    bool
	)
	for _, u := range m.users {
		if !match(u) {
			continue
		}
		if !ok || u.CreatedAt.Before(found.CreatedAt) {
			found, ok = u, true
		}
	}
	return found, ok, nil
}

// CreateFile stores a file row, assigning timestamps when unset.
func (m *MemoryStore) CreateFile(_ context.Context, f domain.File) (domain.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = util.NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	f.Users = cloneStrings(f.Users)
	if _, exists := m.files[f.ID]; !exists {
		m.orders = append(m.orders, f.ID)
	}
	m.files[f.ID] = f
	return cloneFile(f), nil
}

// GetFile returns a file row.
func (m *MemoryStore) GetFile(_ context.Context, id string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return cloneFile(f), ok, nil
}

// GetFileByBlobID returns the row referencing blobID.
func (m *MemoryStore) GetFileByBlobID(_ context.Context, blobID string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.BlobID == blobID {
			return cloneFile(f), true, nil
		}
	}
	return domain.File{}, false, nil
}

// UpdateFile applies patch and returns the updated row.
func (m *MemoryStore) UpdateFile(_ context.Context, id string, patch FilePatch) (domain.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return domain.File{}, ErrNotFound
	}
	if patch.empty() {
		return cloneFile(f), nil
	}
	if patch.Name != nil {
		f.Name = *patch.Name
	}
	if patch.Extension != nil {
		f.Extension = *patch.Extension
	}
	if patch.Category != nil {
		f.Category = *patch.Category
	}
	if patch.Users != nil {
		f.Users = cloneStrings(*patch.Users)
	}
	f.UpdatedAt = m.now()
	m.files[id] = f
	return cloneFile(f), nil
}

// DeleteFile removes a file row.
func (m *MemoryStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	for i, fid := range m.orders {
		if fid == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}

// ListFiles filters rows with every predicate, then sorts and caps them.
func (m *MemoryStore) ListFiles(_ context.Context, preds []query.Predicate) ([]domain.File, error) {
	m.mu.RLock()
	res := make([]domain.File, 0, len(m.orders))
	for _, id := range m.orders {
		f, ok := m.files[id]
		if ok && matchesAll(f, preds) {
			res = append(res, cloneFile(f))
		}
	}
	m.mu.RUnlock()

	limit := 0
	for _, pred := range preds {
		switch p := pred.(type) {
		case query.OrderBy:
			sortFiles(res, p)
		case query.Limit:
			limit = p.N
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func matchesAll(f domain.File, preds []query.Predicate) bool {
	for _, pred := range preds {
		switch p := pred.(type) {
		case query.OwnerOrShared:
			if f.OwnerID != p.OwnerID && !f.SharedWith(p.Email) {
				return false
			}
		case query.Owner:
			if f.OwnerID != p.OwnerID {
				return false
			}
		case query.CategoryIn:
			if !containsCategory(p.Categories, f.Category) {
				return false
			}
		case query.NameContains:
			if !strings.Contains(strings.ToLower(f.Name), strings.ToLower(p.Text)) {
				return false
			}
		}
	}
	return true
}

func containsCategory(list []domain.Category, c domain.Category) bool {
	for _, item := range list {
		if item == c {
			return true
		}
	}
	return false
}

func sortFiles(files []domain.File, order query.OrderBy) {
	less := func(a, b domain.File) bool {
		switch order.Field {
		case query.SortCreatedAt:
			return a.CreatedAt.Before(b.CreatedAt)
		case query.SortName:
			return a.Name < b.Name
		case query.SortSize:
			return a.Size < b.Size
		default:
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if order.Desc {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}

func cloneFile(f domain.File) domain.File {
	f.Users = cloneStrings(f.Users)
	return f
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
