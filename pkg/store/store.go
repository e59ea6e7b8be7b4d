package store

import (
	"context"
	"errors"

	"storeit/pkg/domain"
	"storeit/pkg/query"
)

// ErrNotFound is returned by updates and deletes of missing rows.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for users and file metadata rows.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByAccountID(ctx context.Context, accountID string) (domain.User, bool, error)

	// files
	CreateFile(ctx context.Context, f domain.File) (domain.File, error)
	GetFile(ctx context.Context, id string) (domain.File, bool, error)
	GetFileByBlobID(ctx context.Context, blobID string) (domain.File, bool, error)
	UpdateFile(ctx context.Context, id string, patch FilePatch) (domain.File, error)
	DeleteFile(ctx context.Context, id string) error
	ListFiles(ctx context.Context, preds []query.Predicate) ([]domain.File, error)
}

// FilePatch lists the mutable columns of a file row; nil fields are left untouched.
// The blob reference is deliberately absent.
type FilePatch struct {
	Name      *string
	Extension *string
	Category  *domain.Category
	Users     *[]string
}

func (p FilePatch) empty() bool {
	return p.Name == nil && p.Extension == nil && p.Category == nil && p.Users == nil
}
