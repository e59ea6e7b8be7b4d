package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"storeit/internal/metrics"
	"storeit/internal/util"
	"storeit/internal/viewcache"
	"storeit/pkg/domain"
	"storeit/pkg/filetype"
	"storeit/pkg/identity"
	"storeit/pkg/query"
	"storeit/pkg/storage"
	"storeit/pkg/store"
)

// AvatarPlaceholder is assigned to new accounts.
const AvatarPlaceholder = "https://img.freepik.com/free-psd/3d-illustration-person-with-sunglasses_23-2149436188.jpg"

const defaultPresignExpiry = 15 * time.Minute

// Identity is the OTP and session capability.
type Identity interface {
	IssueChallenge(ctx context.Context, email string) (identity.Challenge, error)
	RedeemChallenge(ctx context.Context, challengeID, code string) (identity.Session, error)
	CurrentPrincipal(ctx context.Context, token string) (identity.Principal, bool, error)
	Revoke(ctx context.Context, token string) error
}

// Config holds the collaborators of the application. Store, Blobs and
// Identity are required.
type Config struct {
	Store    store.Store
	Blobs    storage.BlobStore
	Identity Identity
	Orphans  OrphanQueue
	Cache    *viewcache.Cache
	Metrics  *metrics.Metrics
	// Notifier, when set, also receives every ingestion event.
	Notifier Notifier

	PublicBaseURL        string
	MaxUploadBytes       int64
	StorageCapacityBytes int64
	PresignExpiry        time.Duration
	UploadConcurrency    int
}

// App is the drive application: accounts, ingestion, listing and usage.
type App struct {
	store         store.Store
	blobs         storage.BlobStore
	identity      Identity
	orphans       OrphanQueue
	cache         *viewcache.Cache
	metrics       *metrics.Metrics
	ingestor      *Ingestor
	usage         *Aggregator
	hook          Notifier
	presignExpiry time.Duration
	concurrency   int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("metadata store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity provider required")
	}
	a := &App{
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		identity:      cfg.Identity,
		orphans:       cfg.Orphans,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		hook:          cfg.Notifier,
		presignExpiry: cfg.PresignExpiry,
		concurrency:   cfg.UploadConcurrency,
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.concurrency <= 0 {
		a.concurrency = 4
	}
	a.ingestor = NewIngestor(cfg.Blobs, cfg.Store, IngestorOptions{
		MaxBytes:      cfg.MaxUploadBytes,
		PublicBaseURL: cfg.PublicBaseURL,
		Notifier:      NotifierFunc(a.onIngest),
		Orphans:       cfg.Orphans,
		Metrics:       cfg.Metrics,
	})
	a.usage = NewAggregator(cfg.Store, cfg.Store, cfg.StorageCapacityBytes)
	return a, nil
}

// MaxUploadBytes is the per-file limit enforced by ingestion.
func (a *App) MaxUploadBytes() int64 {
	return a.ingestor.MaxBytes()
}

// onIngest revalidates cached views and records outcomes.
func (a *App) onIngest(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCompleted:
		a.metrics.Upload(metrics.OutcomeSuccess, ev.File.Size)
		a.invalidate(ev.Path)
	case EventRejected:
		a.metrics.Upload(metrics.OutcomeRejected, 0)
	case EventFailed:
		a.metrics.Upload(metrics.OutcomeFailed, 0)
	}
	if a.hook != nil {
		a.hook.Notify(ctx, ev)
	}
}

func (a *App) invalidate(path string) {
	a.cache.Invalidate(path)
	a.cache.Invalidate(usagePath)
}

// AccountChallenge is returned by sign-up and sign-in.
type AccountChallenge struct {
	AccountID   string        `json:"accountId"`
	ChallengeID string        `json:"challengeId"`
	ExpiresIn   time.Duration `json:"-"`
	ResendAfter time.Duration `json:"-"`
}

// CreateAccount sends a passcode to email and creates the user row on
// first contact. Email uniqueness relies on the lookup before the insert.
func (a *App) CreateAccount(ctx context.Context, fullName, email string) (AccountChallenge, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return AccountChallenge{}, ErrFullNameRequired
	}
	email, err := identity.NormalizeEmail(email)
	if err != nil {
		return AccountChallenge{}, ErrInvalidEmail
	}
	_, exists, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return AccountChallenge{}, &StoreError{Op: "get_user", Err: err}
	}
	ch, err := a.identity.IssueChallenge(ctx, email)
	if err != nil {
		return AccountChallenge{}, err
	}
	if !exists {
		now := time.Now().UTC()
		err := a.store.CreateUser(ctx, domain.User{
			ID:        util.NewID(),
			FullName:  fullName,
			Email:     email,
			Avatar:    AvatarPlaceholder,
			AccountID: ch.AccountID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return AccountChallenge{}, &StoreError{Op: "create_user", Err: err}
		}
		util.LoggerFromContext(ctx).Info("security_event", "event", "account_created", "email", identity.MaskEmail(email))
	}
	return toAccountChallenge(ch), nil
}

// SignIn sends a passcode to an existing account.
func (a *App) SignIn(ctx context.Context, email string) (AccountChallenge, error) {
	email, err := identity.NormalizeEmail(email)
	if err != nil {
		return AccountChallenge{}, ErrInvalidEmail
	}
	_, exists, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return AccountChallenge{}, &StoreError{Op: "get_user", Err: err}
	}
	if !exists {
		return AccountChallenge{}, ErrUserNotFound
	}
	ch, err := a.identity.IssueChallenge(ctx, email)
	if err != nil {
		return AccountChallenge{}, err
	}
	return toAccountChallenge(ch), nil
}

func toAccountChallenge(ch identity.Challenge) AccountChallenge {
	return AccountChallenge{
		AccountID:   ch.AccountID,
		ChallengeID: ch.ID,
		ExpiresIn:   ch.ExpiresIn,
		ResendAfter: ch.ResendAfter,
	}
}

// VerifyOTP redeems a passcode for a session.
func (a *App) VerifyOTP(ctx context.Context, challengeID, code string) (identity.Session, error) {
	return a.identity.RedeemChallenge(ctx, challengeID, code)
}

// CurrentUser resolves a session token to its user row.
func (a *App) CurrentUser(ctx context.Context, token string) (domain.User, error) {
	principal, ok, err := a.identity.CurrentPrincipal(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUnauthenticated
	}
	user, ok, err := a.store.GetUserByAccountID(ctx, principal.AccountID)
	if err != nil {
		return domain.User{}, &StoreError{Op: "get_user", Err: err}
	}
	if !ok {
		return domain.User{}, ErrUnauthenticated
	}
	return user, nil
}

// SignOut revokes token.
func (a *App) SignOut(ctx context.Context, token string) error {
	return a.identity.Revoke(ctx, token)
}

// UploadResult is the outcome of one file in UploadFiles.
type UploadResult struct {
	Name string
	File domain.File
	Err  error
}

// UploadFiles ingests every upload concurrently. Each file succeeds or
// fails on its own; results keep input order.
func (a *App) UploadFiles(ctx context.Context, user domain.User, path string, uploads []Upload) []UploadResult {
	results := make([]UploadResult, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range uploads {
		up := uploads[i]
		up.OwnerID = user.ID
		up.AccountID = user.AccountID
		up.Path = path
		g.Go(func() error {
			f, err := a.ingestor.Ingest(gctx, up)
			results[i] = UploadResult{Name: displayName(up.Name), File: f, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Ingest runs the workflow for a single upload owned by user.
func (a *App) Ingest(ctx context.Context, user domain.User, up Upload) (domain.File, error) {
	up.OwnerID = user.ID
	up.AccountID = user.AccountID
	return a.ingestor.Ingest(ctx, up)
}

// ListFiles returns the files user owns or that are shared with them.
func (a *App) ListFiles(ctx context.Context, user domain.User, params query.Params, path string) ([]domain.File, error) {
	key := listKey(user, params)
	if raw, ok := a.cache.Get(path, key); ok {
		var files []domain.File
		if err := json.Unmarshal(raw, &files); err == nil {
			a.metrics.ViewCache(true)
			return files, nil
		}
	}
	if a.cache != nil {
		a.metrics.ViewCache(false)
	}
	files, err := a.store.ListFiles(ctx, query.Build(params, user))
	if err != nil {
		return nil, &StoreError{Op: "list_rows", Err: err}
	}
	if raw, err := json.Marshal(files); err == nil {
		a.cache.Set(path, key, raw)
	}
	return files, nil
}

func listKey(user domain.User, params query.Params) string {
	var b strings.Builder
	b.WriteString("files:")
	b.WriteString(user.ID)
	b.WriteByte(':')
	for i, c := range params.Types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.String())
	}
	b.WriteByte(':')
	b.WriteString(strconv.Quote(params.SearchText))
	b.WriteByte(':')
	field, desc := query.ParseSort(params.Sort)
	b.WriteString(string(field))
	if desc {
		b.WriteString("-desc")
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(params.Limit))
	return b.String()
}

// RenameFile sets the display name to name.extension and re-derives the
// category. The blob is untouched.
func (a *App) RenameFile(ctx context.Context, user domain.User, id, name, extension, path string) (domain.File, error) {
	name = strings.TrimSpace(name)
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if name == "" {
		return domain.File{}, ErrNameRequired
	}
	current, err := a.ownedFile(ctx, user, id)
	if err != nil {
		return domain.File{}, err
	}
	newName := name
	if extension != "" {
		newName = name + "." + extension
	}
	newName = displayName(newName)
	category, ext := filetype.Classify(newName)
	updated, err := a.store.UpdateFile(ctx, id, store.FilePatch{
		Name:      &newName,
		Extension: &ext,
		Category:  &category,
	})
	if err != nil {
		return domain.File{}, a.rowError("update_row", err)
	}
	if len(current.Users) > 0 {
		a.cache.Invalidate("")
	} else {
		a.invalidate(path)
	}
	return updated, nil
}

// ShareFile replaces the collaborator set of a file.
func (a *App) ShareFile(ctx context.Context, user domain.User, id string, emails []string, path string) (domain.File, error) {
	users := make([]string, 0, len(emails))
	seen := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		email, err := identity.NormalizeEmail(raw)
		if err != nil {
			return domain.File{}, fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		users = append(users, email)
	}
	if _, err := a.ownedFile(ctx, user, id); err != nil {
		return domain.File{}, err
	}
	updated, err := a.store.UpdateFile(ctx, id, store.FilePatch{Users: &users})
	if err != nil {
		return domain.File{}, a.rowError("update_row", err)
	}
	a.cache.Invalidate("")
	util.LoggerFromContext(ctx).Info("file_shared", "file_id", id, "collaborators", len(users))
	return updated, nil
}

// DeleteFile removes the row, then its blob. A blob that cannot be deleted
// is queued for reconciliation when a queue is configured.
func (a *App) DeleteFile(ctx context.Context, user domain.User, id, path string) error {
	f, err := a.ownedFile(ctx, user, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteFile(ctx, id); err != nil {
		return a.rowError("delete_row", err)
	}
	if len(f.Users) > 0 {
		a.cache.Invalidate("")
	} else {
		a.invalidate(path)
	}
	blobErr := a.blobs.Delete(context.WithoutCancel(ctx), f.BlobID)
	if blobErr == nil {
		return nil
	}
	logger := util.LoggerFromContext(ctx).With("file_id", id, "blob_id", f.BlobID)
	logger.Error("delete_blob_failed", "err", blobErr)
	if a.orphans == nil {
		return &StoreError{Op: "delete_blob", Err: blobErr}
	}
	if err := a.orphans.Enqueue(context.WithoutCancel(ctx), f.BlobID, "delete"); err != nil {
		logger.Error("orphan_enqueue_failed", "err", err)
		return &StoreError{Op: "delete_blob", Err: blobErr}
	}
	return nil
}

// BlobURL returns a short-lived download link for a blob the user owns or
// that is shared with them. Other blobs are reported as not found.
func (a *App) BlobURL(ctx context.Context, user domain.User, blobID string) (string, error) {
	f, ok, err := a.store.GetFileByBlobID(ctx, blobID)
	if err != nil {
		return "", &StoreError{Op: "get_row", Err: err}
	}
	if !ok || (f.OwnerID != user.ID && !f.SharedWith(user.Email)) {
		return "", ErrNotFound
	}
	url, err := a.blobs.PresignGet(ctx, f.BlobID, f.Name, a.presignExpiry)
	if err != nil {
		return "", &StoreError{Op: "presign_blob", Err: err}
	}
	return url, nil
}

// Usage returns the usage summary of user.
func (a *App) Usage(ctx context.Context, user domain.User) (domain.UsageSummary, error) {
	key := "usage:" + user.ID
	if raw, ok := a.cache.Get(usagePath, key); ok {
		var summary domain.UsageSummary
		if err := json.Unmarshal(raw, &summary); err == nil {
			a.metrics.ViewCache(true)
			return summary, nil
		}
	}
	if a.cache != nil {
		a.metrics.ViewCache(false)
	}
	summary, err := a.usage.Usage(ctx, user.ID)
	if err != nil {
		return domain.UsageSummary{}, err
	}
	if raw, err := json.Marshal(summary); err == nil {
		a.cache.Set(usagePath, key, raw)
	}
	return summary, nil
}

const usagePath = "/"

func (a *App) ownedFile(ctx context.Context, user domain.User, id string) (domain.File, error) {
	f, ok, err := a.store.GetFile(ctx, id)
	if err != nil {
		return domain.File{}, &StoreError{Op: "get_row", Err: err}
	}
	if !ok {
		return domain.File{}, ErrNotFound
	}
	if f.OwnerID != user.ID {
		if f.SharedWith(user.Email) {
			return domain.File{}, ErrForbidden
		}
		return domain.File{}, ErrNotFound
	}
	return f, nil
}

func (a *App) rowError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return &StoreError{Op: op, Err: err}
}
