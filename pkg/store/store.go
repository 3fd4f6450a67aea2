package store

import (
	"context"
	"errors"

	"unetwork/pkg/domain"
)

var (
	// ErrNotFound is returned when the referenced material or report does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateFingerprint is returned when the fingerprint unique index rejects an insert.
	ErrDuplicateFingerprint = errors.New("store: duplicate fingerprint")
	// ErrAlreadyReported is returned when the (material, user) report index rejects an insert.
	ErrAlreadyReported = errors.New("store: already reported")
	// ErrConflict is returned when a conditional vote update loses to a concurrent
	// request from the same user.
	ErrConflict = errors.New("store: concurrent update conflict")
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// MaterialFilter narrows ListMaterials. Empty fields match everything.
type MaterialFilter struct {
	SubjectID     string
	Category      domain.Category
	Program       string
	AuthorID      string
	IncludeHidden bool
	Limit         int
}

func (f MaterialFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// VoteResult describes one vote ledger mutation and the counters after it.
// Action is empty when a retraction found no vote to remove.
type VoteResult struct {
	Action   domain.VoteAction
	Polarity domain.Polarity
	Tally    domain.VoteTally
}

// Store defines persistence for materials and their engagement, vote and
// report rows. Every counter mutation is atomic at the row level.
type Store interface {
	// materials
	CreateMaterial(ctx context.Context, m domain.Material) error
	GetMaterial(ctx context.Context, id string) (domain.Material, bool, error)
	FindMaterialByFingerprint(ctx context.Context, fingerprint string) (domain.Material, bool, error)
	ListMaterials(ctx context.Context, filter MaterialFilter) ([]domain.Material, error)
	DeleteMaterial(ctx context.Context, id string) error
	SetMaterialStatus(ctx context.Context, id string, status domain.MaterialStatus) (bool, error)
	SetMaterialHidden(ctx context.Context, id string, hidden bool) (bool, error)

	// engagement; an empty userID is anonymous and always counts
	IncrementViews(ctx context.Context, materialID, userID string) (bool, error)
	IncrementDownloads(ctx context.Context, materialID, userID string) (bool, error)

	// votes
	CastVote(ctx context.Context, materialID, userID string, polarity domain.Polarity) (VoteResult, error)
	RetractVote(ctx context.Context, materialID, userID string) (VoteResult, error)
	GetVote(ctx context.Context, materialID, userID string) (domain.Polarity, bool, error)

	// reports
	CreateReport(ctx context.Context, r domain.Report) error
	CountReports(ctx context.Context, materialID string) (int, error)
	ListReports(ctx context.Context, materialID string) ([]domain.Report, error)
	ResolveReport(ctx context.Context, id string) (domain.Report, error)
}
