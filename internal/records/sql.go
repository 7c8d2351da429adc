package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Lllllllleong/docparser/internal/models"
)

const elementBatchSize = 500

// SQLStore implements Store on Postgres or SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL connects to Postgres ("postgres") or SQLite ("sqlite").
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return &SQLStore{db: db}, nil
}

// sqliteDSN turns on foreign keys so cascades work, and waits on locks
// instead of failing.
func sqliteDSN(dsn string) string {
	var pragmas []string
	if !strings.Contains(dsn, "foreign_keys") {
		pragmas = append(pragmas, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, "_pragma=busy_timeout(5000)")
	}
	if len(pragmas) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.FileRecord{}, &models.ParseAttempt{}, &models.ElementRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) UpsertFile(ctx context.Context, in FileInput) (*models.FileRecord, bool, error) {
	rec, changed, err := s.upsertFile(ctx, in)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a create race on external_id; the row exists now.
		rec, changed, err = s.upsertFile(ctx, in)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert file %s: %w", in.ExternalID, err)
	}
	return rec, changed, nil
}

func (s *SQLStore) upsertFile(ctx context.Context, in FileInput) (*models.FileRecord, bool, error) {
	var rec models.FileRecord
	var changed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("external_id = ?", in.ExternalID).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = models.FileRecord{
				ID:         uuid.NewString(),
				ExternalID: in.ExternalID,
				Digest:     in.Digest,
				Origin:     in.Origin,
				SourceKind: in.SourceKind,
				Name:       in.Name,
				MediaType:  in.MediaType,
				SizeBytes:  in.SizeBytes,
				FolderID:   in.FolderID,
				LocalPath:  in.LocalPath,
			}
			changed = true
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"origin":      in.Origin,
			"source_kind": in.SourceKind,
			"name":        in.Name,
			"media_type":  in.MediaType,
			"size_bytes":  in.SizeBytes,
			"folder_id":   in.FolderID,
			"local_path":  in.LocalPath,
		}
		if rec.Digest != in.Digest {
			updates["digest"] = in.Digest
			changed = true
		}
		if err := tx.Model(&models.FileRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", rec.ID).Take(&rec).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &rec, changed, nil
}

func (s *SQLStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err, "file", id)
	}
	return &rec, nil
}

func (s *SQLStore) GetFileByExternalID(ctx context.Context, externalID string) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&rec).Error; err != nil {
		return nil, notFound(err, "file", externalID)
	}
	return &rec, nil
}

func (s *SQLStore) UpdateFileMetadata(ctx context.Context, fileID string, md models.DocumentMetadata) error {
	updates := metadataUpdates(md)
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.FileRecord{}).Where("id = ?", fileID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update metadata for file %s: %w", fileID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file; attempts and elements go with it through the
// foreign key cascade.
func (s *SQLStore) DeleteFile(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FileRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete file %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) HasCompletedParse(ctx context.Context, file *models.FileRecord, reparse bool) (*models.ParseAttempt, bool, error) {
	if reparse {
		return nil, false, nil
	}
	var a models.ParseAttempt
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND status = ? AND digest = ?", file.ID, models.StatusCompleted, file.Digest).
		Order("completed_at DESC").
		Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up completed parse for file %s: %w", file.ID, err)
	}
	return &a, true, nil
}

func (s *SQLStore) CreateRunningAttempt(ctx context.Context, fileID, digest string, params models.ParameterSet) (*models.ParseAttempt, error) {
	a := newAttempt(uuid.NewString(), fileID, digest, params, time.Now().UTC())
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to create attempt for file %s: %w", fileID, err)
	}
	return a, nil
}

func (s *SQLStore) FinalizeAttempt(ctx context.Context, id string, f Finalization) error {
	if !f.Status.Terminal() {
		return fmt.Errorf("cannot finalize attempt %s with status %q", id, f.Status)
	}
	completedAt := f.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ParseAttempt{}).
			Where("id = ? AND status = ?", id, models.StatusRunning).
			Updates(map[string]any{
				"status":           f.Status,
				"markdown_path":    f.MarkdownPath,
				"detail_path":      f.DetailPath,
				"pages_path":       f.PagesPath,
				"workbook_path":    f.WorkbookPath,
				"has_workbook":     f.HasWorkbook,
				"has_chart":        f.HasChart,
				"page_count":       f.PageCount,
				"valid_page_count": f.ValidPageCount,
				"src_page_count":   f.SrcPageCount,
				"duration_ms":      f.DurationMs,
				"call_count":       f.CallCount,
				"request_id":       f.RequestID,
				"error_message":    f.ErrorMessage,
				"completed_at":     completedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.ParseAttempt{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrAttemptNotRunning
		}

		if f.Status != models.StatusCompleted || len(f.Elements) == 0 {
			return nil
		}
		elements := make([]models.ElementRecord, len(f.Elements))
		for i, el := range f.Elements {
			el.ID = uuid.NewString()
			el.ParseID = id
			elements[i] = el
		}
		return tx.CreateInBatches(elements, elementBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to finalize attempt %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (*models.ParseAttempt, error) {
	var a models.ParseAttempt
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&a).Error; err != nil {
		return nil, notFound(err, "attempt", id)
	}
	return &a, nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, fileID string) ([]models.ParseAttempt, error) {
	var out []models.ParseAttempt
	if err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list attempts for file %s: %w", fileID, err)
	}
	return out, nil
}

func (s *SQLStore) ListElements(ctx context.Context, attemptID string) ([]models.ElementRecord, error) {
	var out []models.ElementRecord
	if err := s.db.WithContext(ctx).Where("parse_id = ?", attemptID).Order("seq ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list elements for attempt %s: %w", attemptID, err)
	}
	return out, nil
}

func (s *SQLStore) CountElements(ctx context.Context, attemptID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ElementRecord{}).Where("parse_id = ?", attemptID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count elements for attempt %s: %w", attemptID, err)
	}
	return n, nil
}

type groupCount struct {
	K string
	N int64
}

func (s *SQLStore) Status(ctx context.Context) (*models.StatusReport, error) {
	db := s.db.WithContext(ctx)
	report := &models.StatusReport{
		FilesByOrigin:    map[models.Origin]int64{},
		AttemptsByStatus: map[models.ParseStatus]int64{},
	}

	var files []groupCount
	if err := db.Model(&models.FileRecord{}).Select("origin AS k, COUNT(*) AS n").Group("origin").Scan(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	for _, r := range files {
		report.FilesByOrigin[models.Origin(r.K)] = r.N
	}

	var attempts []groupCount
	if err := db.Model(&models.ParseAttempt{}).Select("status AS k, COUNT(*) AS n").Group("status").Scan(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}
	for _, r := range attempts {
		report.AttemptsByStatus[models.ParseStatus(r.K)] = r.N
	}

	if err := db.Model(&models.ElementRecord{}).Count(&report.Elements).Error; err != nil {
		return nil, fmt.Errorf("failed to count elements: %w", err)
	}
	return report, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}
