package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type MaterialModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Category         string `gorm:"not null;index"`
	SubjectID        string `gorm:"index"`
	TeacherID        *string
	Program          string `gorm:"not null;index"`
	Term             string
	Description      string         `gorm:"type:text"`
	HasSolution      bool           `gorm:"not null;default:false"`
	Difficulty       string
	Topics           datatypes.JSON `gorm:"type:jsonb"`
	BlobPath         string         `gorm:"not null"`
	OriginalFilename string
	Fingerprint      string    `gorm:"not null;uniqueIndex"`
	SizeBytes        int64     `gorm:"not null"`
	MediaType        string    `gorm:"not null"`
	AuthorID         string    `gorm:"not null;index"`
	PositiveVotes    int       `gorm:"not null;default:0"`
	NegativeVotes    int       `gorm:"not null;default:0"`
	ViewCount        int       `gorm:"not null;default:0"`
	DownloadCount    int       `gorm:"not null;default:0"`
	Status           string    `gorm:"not null;index"`
	Hidden           bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (MaterialModel) TableName() string { return "materials" }

type VoteModel struct {
	ID         string    `gorm:"primaryKey"`
	MaterialID string    `gorm:"not null;uniqueIndex:idx_material_votes_material_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_material_votes_material_user"`
	Polarity   string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (VoteModel) TableName() string { return "material_votes" }

type ViewModel struct {
	ID         string    `gorm:"primaryKey"`
	MaterialID string    `gorm:"not null;uniqueIndex:idx_material_views_material_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_material_views_material_user"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (ViewModel) TableName() string { return "material_views" }

type DownloadModel struct {
	ID         string    `gorm:"primaryKey"`
	MaterialID string    `gorm:"not null;uniqueIndex:idx_material_downloads_material_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_material_downloads_material_user"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (DownloadModel) TableName() string { return "material_downloads" }

// ReportModel rows outlive their material: they are the audit trail.
type ReportModel struct {
	ID         string    `gorm:"primaryKey"`
	MaterialID string    `gorm:"not null;uniqueIndex:idx_material_reports_material_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_material_reports_material_user"`
	Reason     string    `gorm:"not null"`
	Detail     string    `gorm:"type:text"`
	State      string    `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ReportModel) TableName() string { return "material_reports" }
