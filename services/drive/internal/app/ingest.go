package app

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"storeit/internal/metrics"
	"storeit/internal/util"
	"storeit/pkg/domain"
	"storeit/pkg/filetype"
	"storeit/pkg/storage"
)

// EventKind tells what happened to one upload.
type EventKind string

const (
	EventRejected  EventKind = "rejected"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is emitted once per ingestion attempt.
type Event struct {
	Kind EventKind
	Name string
	Path string
	File domain.File
	Err  error
}

// Notifier receives ingestion events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(context.Context, Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// FileCreator is the row capability the workflow needs.
type FileCreator interface {
	CreateFile(ctx context.Context, f domain.File) (domain.File, error)
}

// OrphanQueue schedules blobs whose inline delete failed.
type OrphanQueue interface {
	Enqueue(ctx context.Context, blobID, reason string) error
}

// Upload is one file to ingest.
type Upload struct {
	Name      string
	Size      int64
	Body      io.Reader
	OwnerID   string
	AccountID string
	// Path is the view path to revalidate once the file is stored.
	Path string
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	MaxBytes      int64
	PublicBaseURL string
	Notifier      Notifier
	Orphans       OrphanQueue
	Metrics       *metrics.Metrics
}

// Ingestor stores one blob and its metadata row, deleting the blob again
// when the row cannot be created.
type Ingestor struct {
	blobs    storage.BlobStore
	rows     FileCreator
	maxBytes int64
	baseURL  string
	notifier Notifier
	orphans  OrphanQueue
	metrics  *metrics.Metrics
}

// NewIngestor builds a workflow over the given capabilities.
func NewIngestor(blobs storage.BlobStore, rows FileCreator, opts IngestorOptions) *Ingestor {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = domain.MaxUploadBytes
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(context.Context, Event) {})
	}
	return &Ingestor{
		blobs:    blobs,
		rows:     rows,
		maxBytes: opts.MaxBytes,
		baseURL:  opts.PublicBaseURL,
		notifier: opts.Notifier,
		orphans:  opts.Orphans,
		metrics:  opts.Metrics,
	}
}

// MaxBytes is the per-file limit.
func (in *Ingestor) MaxBytes() int64 {
	return in.maxBytes
}

// Ingest persists up. Oversized input fails with ErrPayloadTooLarge before
// the blob store is contacted. A failed row create triggers exactly one
// compensating blob delete.
func (in *Ingestor) Ingest(ctx context.Context, up Upload) (domain.File, error) {
	logger := util.LoggerFromContext(ctx).With("owner_id", up.OwnerID, "name", up.Name)
	name := displayName(up.Name)
	if name == "" {
		return domain.File{}, ErrNameRequired
	}
	if up.Size < 0 {
		return domain.File{}, ErrUploadSizeUnknown
	}
	if up.Size > in.maxBytes {
		logger.Info("upload_rejected", "size", up.Size, "max_bytes", in.maxBytes)
		in.notifier.Notify(ctx, Event{Kind: EventRejected, Name: name, Path: up.Path, Err: ErrPayloadTooLarge})
		return domain.File{}, ErrPayloadTooLarge
	}

	category, ext := filetype.Classify(name)
	blob, err := in.blobs.Put(ctx, name, up.Body, up.Size, filetype.ContentType(ext))
	if err != nil {
		serr := &StoreError{Op: "put_blob", Err: err}
		logger.Error("upload_blob_failed", "op", serr.Op, "err", err)
		in.notifier.Notify(ctx, Event{Kind: EventFailed, Name: name, Path: up.Path, Err: serr})
		return domain.File{}, serr
	}
	logger = logger.With("blob_id", blob.ID)

	created, err := in.rows.CreateFile(ctx, domain.File{
		ID:        util.NewID(),
		Category:  category,
		Name:      name,
		URL:       filetype.BlobURL(in.baseURL, blob.ID),
		Extension: ext,
		Size:      blob.Size,
		OwnerID:   up.OwnerID,
		AccountID: up.AccountID,
		Users:     []string{},
		BlobID:    blob.ID,
	})
	if err != nil {
		failure := in.compensate(ctx, logger, blob.ID, &StoreError{Op: "create_row", Err: err})
		in.notifier.Notify(ctx, Event{Kind: EventFailed, Name: name, Path: up.Path, Err: failure})
		return domain.File{}, failure
	}
	in.notifier.Notify(ctx, Event{Kind: EventCompleted, Name: name, Path: up.Path, File: created})
	return created, nil
}

func (in *Ingestor) compensate(ctx context.Context, logger *slog.Logger, blobID string, cause *StoreError) error {
	logger.Warn("upload_row_failed", "op", cause.Op, "err", cause.Err)
	// The blob must go even if the caller has given up on the request.
	ctx = context.WithoutCancel(ctx)
	rollbackErr := in.blobs.Delete(ctx, blobID)
	if rollbackErr == nil {
		in.metrics.Compensation(metrics.OutcomeSuccess)
		return cause
	}
	in.metrics.Compensation(metrics.OutcomeFailed)
	logger.Error("upload_compensation_failed", "op", "delete_blob", "err", rollbackErr)
	if in.orphans != nil {
		if err := in.orphans.Enqueue(ctx, blobID, "compensation"); err != nil {
			logger.Error("orphan_enqueue_failed", "err", err)
		}
	}
	return &CompensationError{BlobID: blobID, Cause: cause, RollbackErr: rollbackErr}
}

// displayName strips any client-side directories from a file name.
func displayName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
