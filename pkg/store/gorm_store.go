package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"storeit/pkg/domain"
	"storeit/pkg/query"
)

const migrateLockID int64 = 51807321

var sortColumns = map[query.SortField]string{
	query.SortUpdatedAt: "updated_at",
	query.SortCreatedAt: "created_at",
	query.SortName:      "name",
	query.SortSize:      "size",
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &FileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_file_models_users ON file_models USING gin (users)`).Error; err != nil {
			return fmt.Errorf("create users index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser inserts a user row.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstUser(ctx, "id = ?", id)
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.firstUser(ctx, "email = ?", email)
}

// GetUserByAccountID resolves the user row of an identity-provider principal.
func (s *GormStore) GetUserByAccountID(ctx context.Context, accountID string) (domain.User, bool, error) {
	return s.firstUser(ctx, "account_id = ?", accountID)
}

func (s *GormStore) firstUser(ctx context.Context, cond string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(cond, arg).Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateFile inserts a file row, assigning timestamps when unset.
func (s *GormStore) CreateFile(ctx context.Context, f domain.File) (domain.File, error) {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	model := fileToModel(f)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.File{}, err
	}
	return fileFromModel(model), nil
}

// GetFile retrieves a file row.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.File, bool, error) {
	return s.firstFile(ctx, "id = ?", id)
}

// GetFileByBlobID retrieves the row referencing a blob.
func (s *GormStore) GetFileByBlobID(ctx context.Context, blobID string) (domain.File, bool, error) {
	return s.firstFile(ctx, "blob_id = ?", blobID)
}

func (s *GormStore) firstFile(ctx context.Context, cond string, arg any) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// UpdateFile applies patch and returns the updated row.
func (s *GormStore) UpdateFile(ctx context.Context, id string, patch FilePatch) (domain.File, error) {
	if !patch.empty() {
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if patch.Name != nil {
			updates["name"] = *patch.Name
		}
		if patch.Extension != nil {
			updates["extension"] = *patch.Extension
		}
		if patch.Category != nil {
			updates["category"] = patch.Category.String()
		}
		if patch.Users != nil {
			updates["users"] = datatypes.JSONSlice[string](nonNil(*patch.Users))
		}
		res := s.db.WithContext(ctx).Model(&FileModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return domain.File{}, res.Error
		}
		if res.RowsAffected == 0 {
			return domain.File{}, ErrNotFound
		}
	}
	f, ok, err := s.GetFile(ctx, id)
	if err != nil {
		return domain.File{}, err
	}
	if !ok {
		return domain.File{}, ErrNotFound
	}
	return f, nil
}

// DeleteFile removes a file row.
func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&FileModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFiles runs a listing query built from preds, applied in order.
func (s *GormStore) ListFiles(ctx context.Context, preds []query.Predicate) ([]domain.File, error) {
	tx, err := s.filesQuery(ctx, preds)
	if err != nil {
		return nil, err
	}
	var models []FileModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

func (s *GormStore) filesQuery(ctx context.Context, preds []query.Predicate) (*gorm.DB, error) {
	tx := s.db.WithContext(ctx).Model(&FileModel{})
	for _, pred := range preds {
		switch p := pred.(type) {
		case query.OwnerOrShared:
			shared, err := json.Marshal([]string{strings.ToLower(p.Email)})
			if err != nil {
				return nil, err
			}
			tx = tx.Where(s.db.Where("owner_id = ?", p.OwnerID).Or("users @> ?::jsonb", string(shared)))
		case query.Owner:
			tx = tx.Where("owner_id = ?", p.OwnerID)
		case query.CategoryIn:
			names := make([]string, 0, len(p.Categories))
			for _, c := range p.Categories {
				names = append(names, c.String())
			}
			tx = tx.Where("category IN ?", names)
		case query.NameContains:
			tx = tx.Where("name ILIKE ?", "%"+escapeLike(p.Text)+"%")
		case query.Limit:
			tx = tx.Limit(p.N)
		case query.OrderBy:
			column, ok := sortColumns[p.Field]
			if !ok {
				column = sortColumns[query.SortUpdatedAt]
			}
			tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: p.Desc})
		default:
			return nil, fmt.Errorf("unsupported predicate %T", pred)
		}
	}
	return tx, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		FullName:  u.FullName,
		Email:     u.Email,
		Avatar:    u.Avatar,
		AccountID: u.AccountID,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		FullName:  m.FullName,
		Email:     m.Email,
		Avatar:    m.Avatar,
		AccountID: m.AccountID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	return FileModel{
		ID:        f.ID,
		Category:  f.Category.String(),
		Name:      f.Name,
		URL:       f.URL,
		Extension: f.Extension,
		Size:      f.Size,
		OwnerID:   f.OwnerID,
		AccountID: f.AccountID,
		Users:     datatypes.JSONSlice[string](nonNil(f.Users)),
		BlobID:    f.BlobID,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	category, _ := domain.ParseCategory(m.Category)
	return domain.File{
		ID:        m.ID,
		Category:  category,
		Name:      m.Name,
		URL:       m.URL,
		Extension: m.Extension,
		Size:      m.Size,
		OwnerID:   m.OwnerID,
		AccountID: m.AccountID,
		Users:     nonNil([]string(m.Users)),
		BlobID:    m.BlobID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
