package app

import (
	"context"
	"time"

	"storeit/pkg/domain"
	"storeit/pkg/query"
)

// UserGetter resolves user rows by id.
type UserGetter interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// FileLister runs predicate listings.
type FileLister interface {
	ListFiles(ctx context.Context, preds []query.Predicate) ([]domain.File, error)
}

// Aggregator derives usage summaries from a user's file rows.
type Aggregator struct {
	users    UserGetter
	files    FileLister
	capacity int64
}

// NewAggregator builds an Aggregator reporting capacity as the per-user total.
func NewAggregator(users UserGetter, files FileLister, capacity int64) *Aggregator {
	if capacity <= 0 {
		capacity = domain.StorageCapacityBytes
	}
	return &Aggregator{users: users, files: files, capacity: capacity}
}

// Usage resolves userID and summarizes every file it owns. Shared files do
// not count. The listing is a single unpaginated query.
func (a *Aggregator) Usage(ctx context.Context, userID string) (domain.UsageSummary, error) {
	if userID == "" {
		return domain.UsageSummary{}, ErrUnauthenticated
	}
	user, ok, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return domain.UsageSummary{}, &StoreError{Op: "get_user", Err: err}
	}
	if !ok {
		return domain.UsageSummary{}, ErrUnauthenticated
	}
	files, err := a.files.ListFiles(ctx, []query.Predicate{query.Owner{OwnerID: user.ID}})
	if err != nil {
		return domain.UsageSummary{}, &StoreError{Op: "list_rows", Err: err}
	}
	return Summarize(files, a.capacity), nil
}

// Summarize folds files into per-category buckets. latestDate holds the
// newest UpdatedAt of the bucket in RFC 3339, or "" for an empty bucket.
func Summarize(files []domain.File, capacity int64) domain.UsageSummary {
	summary := domain.UsageSummary{Capacity: capacity}
	var latest [len(domain.Categories)]time.Time
	for _, f := range files {
		bucket := summary.BucketRef(f.Category)
		bucket.Size += f.Size
		summary.Used += f.Size

		i := categoryIndex(f.Category)
		if f.UpdatedAt.IsZero() || !f.UpdatedAt.After(latest[i]) {
			continue
		}
		latest[i] = f.UpdatedAt
		bucket.LatestDate = f.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return summary
}

func categoryIndex(c domain.Category) int {
	for i, known := range domain.Categories {
		if known == c {
			return i
		}
	}
	return int(domain.CategoryOther)
}
