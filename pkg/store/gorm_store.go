package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"unetwork/pkg/domain"
)

const migrateLockID int64 = 73217322

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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&MaterialModel{}, &VoteModel{}, &ViewModel{}, &DownloadModel{}, &ReportModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'materials'
					AND constraint_name = 'materials_counters_nonnegative'
				) THEN
					ALTER TABLE materials
					ADD CONSTRAINT materials_counters_nonnegative
					CHECK (positive_votes >= 0 AND negative_votes >= 0 AND view_count >= 0 AND download_count >= 0);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure counter constraints: %w", err)
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

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateMaterial inserts a new material. The fingerprint unique index is the
// authoritative duplicate check.
func (s *GormStore) CreateMaterial(ctx context.Context, m domain.Material) error {
	model := materialToModel(m)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateFingerprint
		}
		return err
	}
	return nil
}

// GetMaterial retrieves a material.
func (s *GormStore) GetMaterial(ctx context.Context, id string) (domain.Material, bool, error) {
	return s.firstMaterial(ctx, "id = ?", id)
}

// FindMaterialByFingerprint looks up a material by content fingerprint.
func (s *GormStore) FindMaterialByFingerprint(ctx context.Context, fingerprint string) (domain.Material, bool, error) {
	return s.firstMaterial(ctx, "fingerprint = ?", fingerprint)
}

func (s *GormStore) firstMaterial(ctx context.Context, query string, arg any) (domain.Material, bool, error) {
	var model MaterialModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Material{}, false, nil
		}
		return domain.Material{}, false, err
	}
	return materialFromModel(model), true, nil
}

// ListMaterials returns materials matching filter, newest first.
func (s *GormStore) ListMaterials(ctx context.Context, filter MaterialFilter) ([]domain.Material, error) {
	tx := s.db.WithContext(ctx).Model(&MaterialModel{})
	if filter.SubjectID != "" {
		tx = tx.Where("subject_id = ?", filter.SubjectID)
	}
	if filter.Category != "" {
		tx = tx.Where("category = ?", string(filter.Category))
	}
	if filter.Program != "" {
		tx = tx.Where("program = ?", filter.Program)
	}
	if filter.AuthorID != "" {
		tx = tx.Where("author_id = ?", filter.AuthorID)
	}
	if !filter.IncludeHidden {
		tx = tx.Where("status = ? AND hidden = ?", string(domain.StatusPublic), false)
	}
	var models []MaterialModel
	if err := tx.Order("created_at DESC").Limit(filter.limit()).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Material, 0, len(models))
	for _, m := range models {
		res = append(res, materialFromModel(m))
	}
	return res, nil
}

// DeleteMaterial removes a material with its votes and engagement markers.
// Reports are kept.
func (s *GormStore) DeleteMaterial(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("material_id = ?", id).Delete(&VoteModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("material_id = ?", id).Delete(&ViewModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("material_id = ?", id).Delete(&DownloadModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&MaterialModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetMaterialStatus updates the status and reports whether it changed.
func (s *GormStore) SetMaterialStatus(ctx context.Context, id string, status domain.MaterialStatus) (bool, error) {
	return s.setMaterialColumn(ctx, id, "status", string(status))
}

// SetMaterialHidden updates the hidden flag and reports whether it changed.
func (s *GormStore) SetMaterialHidden(ctx context.Context, id string, hidden bool) (bool, error) {
	return s.setMaterialColumn(ctx, id, "hidden", hidden)
}

func (s *GormStore) setMaterialColumn(ctx context.Context, id, column string, value any) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&MaterialModel{}).
			Where("id = ? AND "+column+" <> ?", id, value).
			Updates(map[string]any{column: value, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}
		var count int64
		if err := tx.Model(&MaterialModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return nil
	})
	return changed, err
}

// IncrementViews records a view and bumps view_count when it counts.
func (s *GormStore) IncrementViews(ctx context.Context, materialID, userID string) (bool, error) {
	marker := &ViewModel{ID: uuid.NewString(), MaterialID: materialID, UserID: userID, CreatedAt: time.Now().UTC()}
	return s.incrementEngagement(ctx, materialID, userID, marker, "view_count")
}

// IncrementDownloads records a download and bumps download_count when it counts.
func (s *GormStore) IncrementDownloads(ctx context.Context, materialID, userID string) (bool, error) {
	marker := &DownloadModel{ID: uuid.NewString(), MaterialID: materialID, UserID: userID, CreatedAt: time.Now().UTC()}
	return s.incrementEngagement(ctx, materialID, userID, marker, "download_count")
}

func (s *GormStore) incrementEngagement(ctx context.Context, materialID, userID string, marker any, column string) (bool, error) {
	var counted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if userID != "" {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(marker)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
		}
		res := tx.Model(&MaterialModel{}).
			Where("id = ?", materialID).
			UpdateColumn(column, gorm.Expr(column+" + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		counted = true
		return nil
	})
	return counted, err
}

// CastVote applies a cast to the ledger and counters in one transaction.
// Every statement after the insert is conditional on the polarity read, so a
// concurrent request from the same user surfaces as ErrConflict instead of
// drifting the counters.
func (s *GormStore) CastVote(ctx context.Context, materialID, userID string, polarity domain.Polarity) (VoteResult, error) {
	var result VoteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		vote := VoteModel{
			ID:         uuid.NewString(),
			MaterialID: materialID,
			UserID:     userID,
			Polarity:   string(polarity),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
		if res.Error != nil {
			return res.Error
		}
		var before domain.Polarity
		after := polarity
		action := domain.VoteInsert
		if res.RowsAffected == 0 {
			current, found, err := findVote(tx, materialID, userID)
			if err != nil {
				return err
			}
			if !found {
				return ErrConflict
			}
			before = current
			action = domain.NextVote(&current, polarity)
			switch action {
			case domain.VoteRetract:
				res := tx.Where("material_id = ? AND user_id = ? AND polarity = ?", materialID, userID, string(current)).
					Delete(&VoteModel{})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected != 1 {
					return ErrConflict
				}
				after = ""
			case domain.VoteSwitch:
				res := tx.Model(&VoteModel{}).
					Where("material_id = ? AND user_id = ? AND polarity = ?", materialID, userID, string(current)).
					Updates(map[string]any{"polarity": string(polarity), "updated_at": now})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected != 1 {
					return ErrConflict
				}
			}
		}
		tally, err := applyVoteDelta(tx, materialID, before, after)
		if err != nil {
			return err
		}
		result = VoteResult{Action: action, Polarity: after, Tally: tally}
		return nil
	})
	return result, err
}

// RetractVote deletes whatever vote the user holds. Without a vote it is a
// no-op that still reports current counters.
func (s *GormStore) RetractVote(ctx context.Context, materialID, userID string) (VoteResult, error) {
	var result VoteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, found, err := findVote(tx, materialID, userID)
		if err != nil {
			return err
		}
		if !found {
			tally, err := readTally(tx, materialID)
			if err != nil {
				return err
			}
			result = VoteResult{Tally: tally}
			return nil
		}
		res := tx.Where("material_id = ? AND user_id = ? AND polarity = ?", materialID, userID, string(current)).
			Delete(&VoteModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrConflict
		}
		tally, err := applyVoteDelta(tx, materialID, current, "")
		if err != nil {
			return err
		}
		result = VoteResult{Action: domain.VoteRetract, Tally: tally}
		return nil
	})
	return result, err
}

// GetVote returns the stored polarity for (material, user).
func (s *GormStore) GetVote(ctx context.Context, materialID, userID string) (domain.Polarity, bool, error) {
	return findVote(s.db.WithContext(ctx), materialID, userID)
}

func findVote(tx *gorm.DB, materialID, userID string) (domain.Polarity, bool, error) {
	var model VoteModel
	if err := tx.Where("material_id = ? AND user_id = ?", materialID, userID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return domain.Polarity(model.Polarity), true, nil
}

func applyVoteDelta(tx *gorm.DB, materialID string, before, after domain.Polarity) (domain.VoteTally, error) {
	pos, neg := domain.CounterDelta(before, after)
	res := tx.Model(&MaterialModel{}).
		Where("id = ?", materialID).
		UpdateColumns(map[string]any{
			"positive_votes": gorm.Expr("positive_votes + ?", pos),
			"negative_votes": gorm.Expr("negative_votes + ?", neg),
		})
	if res.Error != nil {
		return domain.VoteTally{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.VoteTally{}, ErrNotFound
	}
	return readTally(tx, materialID)
}

func readTally(tx *gorm.DB, materialID string) (domain.VoteTally, error) {
	var model MaterialModel
	if err := tx.Select("positive_votes", "negative_votes").Where("id = ?", materialID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.VoteTally{}, ErrNotFound
		}
		return domain.VoteTally{}, err
	}
	return domain.NewVoteTally(model.PositiveVotes, model.NegativeVotes), nil
}

// CreateReport inserts a report unless the user already reported the material.
func (s *GormStore) CreateReport(ctx context.Context, r domain.Report) error {
	model := reportToModel(r)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyReported
	}
	return nil
}

// CountReports returns the number of report rows for a material.
func (s *GormStore) CountReports(ctx context.Context, materialID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ReportModel{}).Where("material_id = ?", materialID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListReports returns reports for a material, newest first.
func (s *GormStore) ListReports(ctx context.Context, materialID string) ([]domain.Report, error) {
	var models []ReportModel
	if err := s.db.WithContext(ctx).Where("material_id = ?", materialID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Report, 0, len(models))
	for _, m := range models {
		res = append(res, reportFromModel(m))
	}
	return res, nil
}

// ResolveReport marks a report resolved and returns it.
func (s *GormStore) ResolveReport(ctx context.Context, id string) (domain.Report, error) {
	var report domain.Report
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReportModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"state": string(domain.ReportResolved), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var model ReportModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		report = reportFromModel(model)
		return nil
	})
	return report, err
}

func materialToModel(m domain.Material) MaterialModel {
	topics, _ := json.Marshal(m.Topics)
	if m.Topics == nil {
		topics = []byte("[]")
	}
	return MaterialModel{
		ID:               m.ID,
		Title:            m.Title,
		Category:         string(m.Category),
		SubjectID:        m.SubjectID,
		TeacherID:        m.TeacherID,
		Program:          m.Program,
		Term:             m.Term,
		Description:      m.Description,
		HasSolution:      m.HasSolution,
		Difficulty:       string(m.Difficulty),
		Topics:           datatypes.JSON(topics),
		BlobPath:         m.BlobPath,
		OriginalFilename: m.OriginalFilename,
		Fingerprint:      m.Fingerprint,
		SizeBytes:        m.SizeBytes,
		MediaType:        m.MediaType,
		AuthorID:         m.AuthorID,
		PositiveVotes:    m.PositiveVotes,
		NegativeVotes:    m.NegativeVotes,
		ViewCount:        m.ViewCount,
		DownloadCount:    m.DownloadCount,
		Status:           string(m.Status),
		Hidden:           m.Hidden,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func materialFromModel(m MaterialModel) domain.Material {
	var topics []string
	if len(m.Topics) > 0 {
		_ = json.Unmarshal(m.Topics, &topics)
	}
	return domain.Material{
		ID:               m.ID,
		Title:            m.Title,
		Category:         domain.Category(m.Category),
		SubjectID:        m.SubjectID,
		TeacherID:        m.TeacherID,
		Program:          m.Program,
		Term:             m.Term,
		Description:      m.Description,
		HasSolution:      m.HasSolution,
		Difficulty:       domain.Difficulty(m.Difficulty),
		Topics:           topics,
		BlobPath:         m.BlobPath,
		OriginalFilename: m.OriginalFilename,
		Fingerprint:      m.Fingerprint,
		SizeBytes:        m.SizeBytes,
		MediaType:        m.MediaType,
		AuthorID:         m.AuthorID,
		PositiveVotes:    m.PositiveVotes,
		NegativeVotes:    m.NegativeVotes,
		ViewCount:        m.ViewCount,
		DownloadCount:    m.DownloadCount,
		Status:           domain.MaterialStatus(m.Status),
		Hidden:           m.Hidden,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func reportToModel(r domain.Report) ReportModel {
	return ReportModel{
		ID:         r.ID,
		MaterialID: r.MaterialID,
		UserID:     r.UserID,
		Reason:     string(r.Reason),
		Detail:     r.Detail,
		State:      string(r.State),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func reportFromModel(m ReportModel) domain.Report {
	return domain.Report{
		ID:         m.ID,
		MaterialID: m.MaterialID,
		UserID:     m.UserID,
		Reason:     domain.ReportReason(m.Reason),
		Detail:     m.Detail,
		State:      domain.ReportState(m.State),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
