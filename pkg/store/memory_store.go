package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"unetwork/pkg/domain"
)

type pairKey struct {
	materialID string
	userID     string
}

// MemoryStore keeps materials in-process. It is used for local runs and tests;
// a single mutex stands in for the row locks of the SQL store.
type MemoryStore struct {
	mu           sync.RWMutex
	materials    map[string]domain.Material
	fingerprints map[string]string // fingerprint -> material ID
	votes        map[pairKey]domain.Polarity
	views        map[pairKey]struct{}
	downloads    map[pairKey]struct{}
	reports      map[string]domain.Report
	reportIndex  map[pairKey]string // (material, user) -> report ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		materials:    make(map[string]domain.Material),
		fingerprints: make(map[string]string),
		votes:        make(map[pairKey]domain.Polarity),
		views:        make(map[pairKey]struct{}),
		downloads:    make(map[pairKey]struct{}),
		reports:      make(map[string]domain.Report),
		reportIndex:  make(map[pairKey]string),
	}
}

// CreateMaterial stores a material, rejecting a reused fingerprint.
func (m *MemoryStore) CreateMaterial(_ context.Context, mat domain.Material) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fingerprints[mat.Fingerprint]; exists {
		return ErrDuplicateFingerprint
	}
	mat.Topics = append([]string(nil), mat.Topics...)
	m.materials[mat.ID] = mat
	m.fingerprints[mat.Fingerprint] = mat.ID
	return nil
}

// GetMaterial retrieves a material.
func (m *MemoryStore) GetMaterial(_ context.Context, id string) (domain.Material, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mat, ok := m.materials[id]
	return mat, ok, nil
}

// FindMaterialByFingerprint looks up a material by content fingerprint.
func (m *MemoryStore) FindMaterialByFingerprint(_ context.Context, fingerprint string) (domain.Material, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.fingerprints[fingerprint]
	if !ok {
		return domain.Material{}, false, nil
	}
	mat, ok := m.materials[id]
	return mat, ok, nil
}

// ListMaterials returns materials matching filter, newest first.
func (m *MemoryStore) ListMaterials(_ context.Context, filter MaterialFilter) ([]domain.Material, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Material, 0, len(m.materials))
	for _, mat := range m.materials {
		if filter.SubjectID != "" && mat.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Category != "" && mat.Category != filter.Category {
			continue
		}
		if filter.Program != "" && mat.Program != filter.Program {
			continue
		}
		if filter.AuthorID != "" && mat.AuthorID != filter.AuthorID {
			continue
		}
		if !filter.IncludeHidden && !mat.VisibleToPublic() {
			continue
		}
		res = append(res, mat)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if limit := filter.limit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// DeleteMaterial removes a material with its votes and engagement markers.
func (m *MemoryStore) DeleteMaterial(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.materials, id)
	delete(m.fingerprints, mat.Fingerprint)
	for k := range m.votes {
		if k.materialID == id {
			delete(m.votes, k)
		}
	}
	for k := range m.views {
		if k.materialID == id {
			delete(m.views, k)
		}
	}
	for k := range m.downloads {
		if k.materialID == id {
			delete(m.downloads, k)
		}
	}
	return nil
}

// SetMaterialStatus updates the status and reports whether it changed.
func (m *MemoryStore) SetMaterialStatus(_ context.Context, id string, status domain.MaterialStatus) (bool, error) {
	return m.update(id, func(mat *domain.Material) bool {
		if mat.Status == status {
			return false
		}
		mat.Status = status
		return true
	})
}

// SetMaterialHidden updates the hidden flag and reports whether it changed.
func (m *MemoryStore) SetMaterialHidden(_ context.Context, id string, hidden bool) (bool, error) {
	return m.update(id, func(mat *domain.Material) bool {
		if mat.Hidden == hidden {
			return false
		}
		mat.Hidden = hidden
		return true
	})
}

func (m *MemoryStore) update(id string, fn func(*domain.Material) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[id]
	if !ok {
		return false, ErrNotFound
	}
	if !fn(&mat) {
		return false, nil
	}
	mat.UpdatedAt = time.Now().UTC()
	m.materials[id] = mat
	return true, nil
}

// IncrementViews records a view and bumps the counter when it counts.
func (m *MemoryStore) IncrementViews(_ context.Context, materialID, userID string) (bool, error) {
	return m.increment(m.views, materialID, userID, func(mat *domain.Material) { mat.ViewCount++ })
}

// IncrementDownloads records a download and bumps the counter when it counts.
func (m *MemoryStore) IncrementDownloads(_ context.Context, materialID, userID string) (bool, error) {
	return m.increment(m.downloads, materialID, userID, func(mat *domain.Material) { mat.DownloadCount++ })
}

func (m *MemoryStore) increment(markers map[pairKey]struct{}, materialID, userID string, bump func(*domain.Material)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[materialID]
	if !ok {
		return false, ErrNotFound
	}
	if userID != "" {
		key := pairKey{materialID, userID}
		if _, seen := markers[key]; seen {
			return false, nil
		}
		markers[key] = struct{}{}
	}
	bump(&mat)
	m.materials[materialID] = mat
	return true, nil
}

// CastVote applies a cast to the ledger and counters.
func (m *MemoryStore) CastVote(_ context.Context, materialID, userID string, polarity domain.Polarity) (VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[materialID]
	if !ok {
		return VoteResult{}, ErrNotFound
	}
	key := pairKey{materialID, userID}
	var before domain.Polarity
	var action domain.VoteAction
	if current, voted := m.votes[key]; voted {
		before = current
		action = domain.NextVote(&current, polarity)
	} else {
		action = domain.NextVote(nil, polarity)
	}
	after := polarity
	if action == domain.VoteRetract {
		after = ""
		delete(m.votes, key)
	} else {
		m.votes[key] = polarity
	}
	tally := m.applyDelta(&mat, before, after)
	return VoteResult{Action: action, Polarity: after, Tally: tally}, nil
}

// RetractVote deletes whatever vote the user holds.
func (m *MemoryStore) RetractVote(_ context.Context, materialID, userID string) (VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.materials[materialID]
	if !ok {
		return VoteResult{}, ErrNotFound
	}
	key := pairKey{materialID, userID}
	current, voted := m.votes[key]
	if !voted {
		return VoteResult{Tally: domain.NewVoteTally(mat.PositiveVotes, mat.NegativeVotes)}, nil
	}
	delete(m.votes, key)
	tally := m.applyDelta(&mat, current, "")
	return VoteResult{Action: domain.VoteRetract, Tally: tally}, nil
}

func (m *MemoryStore) applyDelta(mat *domain.Material, before, after domain.Polarity) domain.VoteTally {
	pos, neg := domain.CounterDelta(before, after)
	mat.PositiveVotes += pos
	mat.NegativeVotes += neg
	m.materials[mat.ID] = *mat
	return domain.NewVoteTally(mat.PositiveVotes, mat.NegativeVotes)
}

// GetVote returns the stored polarity for (material, user).
func (m *MemoryStore) GetVote(_ context.Context, materialID, userID string) (domain.Polarity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.votes[pairKey{materialID, userID}]
	return p, ok, nil
}

// CreateReport inserts a report unless the user already reported the material.
func (m *MemoryStore) CreateReport(_ context.Context, r domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{r.MaterialID, r.UserID}
	if _, exists := m.reportIndex[key]; exists {
		return ErrAlreadyReported
	}
	m.reports[r.ID] = r
	m.reportIndex[key] = r.ID
	return nil
}

// CountReports returns the number of reports for a material.
func (m *MemoryStore) CountReports(_ context.Context, materialID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.reports {
		if r.MaterialID == materialID {
			count++
		}
	}
	return count, nil
}

// ListReports returns reports for a material, newest first.
func (m *MemoryStore) ListReports(_ context.Context, materialID string) ([]domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Report, 0)
	for _, r := range m.reports {
		if r.MaterialID == materialID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// ResolveReport marks a report resolved and returns it.
func (m *MemoryStore) ResolveReport(_ context.Context, id string) (domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return domain.Report{}, ErrNotFound
	}
	r.State = domain.ReportResolved
	r.UpdatedAt = time.Now().UTC()
	m.reports[id] = r
	return r, nil
}
