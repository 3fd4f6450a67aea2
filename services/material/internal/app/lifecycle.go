package app

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"unetwork/internal/util"
	"unetwork/pkg/domain"
	"unetwork/pkg/events"
	"unetwork/pkg/storage"
	"unetwork/pkg/store"
)

// Warning annotations shown to administrators.
const (
	WarningUnderReview = "under_review"
	WarningHidden      = "hidden"
)

// ConfirmInput is the human-reviewed form submitted for an upload.
type ConfirmInput struct {
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	SubjectID   string   `json:"subjectId"`
	TeacherID   *string  `json:"teacherId"`
	Program     string   `json:"program"`
	Term        string   `json:"term"`
	Description string   `json:"description"`
	HasSolution bool     `json:"hasSolution"`
	Difficulty  string   `json:"difficulty"`
	Topics      []string `json:"topics"`
}

// MaterialView is a material as returned to a reader.
type MaterialView struct {
	domain.Material
	Rating   int             `json:"rating"`
	MyVote   domain.Polarity `json:"myVote,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

func newView(m domain.Material, user *domain.User) MaterialView {
	v := MaterialView{Material: m, Rating: m.Rating()}
	if isAdmin(user) {
		if m.Status == domain.StatusReview {
			v.Warnings = append(v.Warnings, WarningUnderReview)
		}
		if m.Hidden {
			v.Warnings = append(v.Warnings, WarningHidden)
		}
	}
	return v
}

// ConfirmMaterial creates the material record for a confirmed upload.
// The fingerprint unique index decides races between identical uploads.
func (a *App) ConfirmMaterial(ctx context.Context, author domain.User, in ConfirmInput) (domain.Material, error) {
	blobPath := strings.TrimSpace(in.Path)
	if blobPath == "" {
		return domain.Material{}, invalid("path", "path is required")
	}
	if !ownsPath(author, blobPath) {
		return domain.Material{}, ErrForbidden
	}
	category, difficulty, err := validateConfirm(in)
	if err != nil {
		return domain.Material{}, err
	}

	info, err := a.objects.Stat(ctx, blobPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return domain.Material{}, invalid("path", "upload not found, upload the file again")
	}
	if err != nil {
		return domain.Material{}, storageErr("stat blob", err)
	}
	fingerprint := info.Metadata[metaFingerprint]
	if fingerprint == "" {
		if fingerprint, err = a.hashBlob(ctx, blobPath); err != nil {
			return domain.Material{}, storageErr("hash blob", err)
		}
	}

	now := a.now().UTC()
	material := domain.Material{
		ID:               util.NewID(),
		Title:            cleanText(in.Title),
		Category:         category,
		SubjectID:        strings.TrimSpace(in.SubjectID),
		TeacherID:        trimOptional(in.TeacherID),
		Program:          cleanText(in.Program),
		Term:             strings.TrimSpace(in.Term),
		Description:      clipRunes(strings.TrimSpace(in.Description), maxDescriptionRunes),
		HasSolution:      in.HasSolution,
		Difficulty:       difficulty,
		Topics:           normalizeTopics(toAnySlice(in.Topics)),
		BlobPath:         blobPath,
		OriginalFilename: info.Metadata[metaFilename],
		Fingerprint:      fingerprint,
		SizeBytes:        info.Size,
		MediaType:        info.ContentType,
		AuthorID:         author.ID,
		Status:           domain.StatusPublic,
		Hidden:           false,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if material.MediaType == "" {
		material.MediaType = detectMediaType(strings.ToLower(path.Ext(blobPath)), "")
	}
	if err := a.store.CreateMaterial(ctx, material); err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			return domain.Material{}, a.confirmLostRace(ctx, blobPath, fingerprint)
		}
		a.compensate(ctx, blobPath, "create_failed")
		return domain.Material{}, storageErr("create material", err)
	}
	util.LoggerFromContext(ctx).Info("material_created", "material_id", material.ID, "author_id", author.ID, "category", material.Category)
	a.publish(ctx, events.Event{
		Type:       events.MaterialCreated,
		MaterialID: material.ID,
		ActorID:    author.ID,
		Data:       map[string]any{"category": material.Category, "program": material.Program},
	})
	return material, nil
}

// confirmLostRace handles a unique violation on the fingerprint. The blob is
// kept when it already backs the winning record (a repeated confirm).
func (a *App) confirmLostRace(ctx context.Context, blobPath, fingerprint string) error {
	existing, ok, err := a.store.FindMaterialByFingerprint(ctx, fingerprint)
	if err != nil {
		return storageErr("lookup fingerprint", err)
	}
	if !ok {
		// The winner was deleted between insert and lookup.
		return storageErr("create material", store.ErrConflict)
	}
	dup := &DuplicateContentError{MaterialID: existing.ID, Title: existing.Title, blobPath: existing.BlobPath}
	return a.rejectDuplicate(ctx, blobPath, dup)
}

func validateConfirm(in ConfirmInput) (domain.Category, domain.Difficulty, error) {
	fields := map[string]string{}
	if cleanText(in.Title) == "" {
		fields["title"] = "title is required"
	} else if len([]rune(cleanText(in.Title))) > maxTitleRunes {
		fields["title"] = "title is too long"
	}
	var category domain.Category
	if strings.TrimSpace(in.Category) == "" {
		fields["category"] = "category is required"
	} else if c, ok := domain.ParseCategory(in.Category); ok {
		category = c
	} else {
		fields["category"] = "unknown category"
	}
	if cleanText(in.Program) == "" {
		fields["program"] = "program is required"
	}
	if term := strings.TrimSpace(in.Term); term != "" && !domain.ValidTerm(term) {
		fields["term"] = "term must look like 2024 or 2024-1"
	}
	var difficulty domain.Difficulty
	if strings.TrimSpace(in.Difficulty) != "" {
		d, ok := domain.ParseDifficulty(in.Difficulty)
		if !ok {
			fields["difficulty"] = "unknown difficulty"
		}
		difficulty = d
	}
	if len(fields) > 0 {
		return "", "", &ValidationError{Fields: fields}
	}
	return category, difficulty, nil
}

func (a *App) hashBlob(ctx context.Context, blobPath string) (string, error) {
	rc, _, err := a.objects.Get(ctx, blobPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return Fingerprint(data), nil
}

// GetMaterial returns a material honoring visibility: non-admins get
// ErrNotFound for anything under review or hidden.
func (a *App) GetMaterial(ctx context.Context, id string, user *domain.User) (MaterialView, error) {
	m, err := a.loadMaterial(ctx, id, user)
	if err != nil {
		return MaterialView{}, err
	}
	v := newView(m, user)
	v.MyVote = a.currentVote(ctx, m.ID, user)
	return v, nil
}

// ListMaterials lists materials newest first. Only admins see review or
// hidden materials, and only when they ask for them.
func (a *App) ListMaterials(ctx context.Context, user *domain.User, filter store.MaterialFilter) ([]MaterialView, error) {
	if !isAdmin(user) {
		filter.IncludeHidden = false
	}
	items, err := a.store.ListMaterials(ctx, filter)
	if err != nil {
		return nil, storageErr("list materials", err)
	}
	out := make([]MaterialView, 0, len(items))
	for _, m := range items {
		out = append(out, newView(m, user))
	}
	return out, nil
}

// DeleteMaterial removes the record and then its blob. Only the author or an
// admin may delete; reports survive as audit trail.
func (a *App) DeleteMaterial(ctx context.Context, user domain.User, id string) error {
	m, ok, err := a.store.GetMaterial(ctx, strings.TrimSpace(id))
	if err != nil {
		return storageErr("get material", err)
	}
	if !ok {
		return ErrNotFound
	}
	if m.AuthorID != user.ID && !user.IsAdmin() {
		if !m.VisibleToPublic() {
			return ErrNotFound
		}
		return ErrForbidden
	}
	if err := a.store.DeleteMaterial(ctx, m.ID); err != nil {
		return mapStoreError("delete material", err)
	}
	a.compensate(ctx, m.BlobPath, "material_deleted")
	util.LoggerFromContext(ctx).Info("material_deleted", "material_id", m.ID, "actor_id", user.ID)
	a.publish(ctx, events.Event{Type: events.MaterialDeleted, MaterialID: m.ID, ActorID: user.ID})
	return nil
}

// Download is where a reader fetches the blob: a presigned URL, or a stream
// when the blob backend cannot presign.
type Download struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

func (a *App) openDownload(ctx context.Context, m domain.Material) (Download, error) {
	d := Download{Filename: downloadFilename(m), ContentType: m.MediaType, Size: m.SizeBytes}
	url, err := a.objects.PresignGet(ctx, m.BlobPath, a.presignExpiry)
	if err == nil {
		d.URL = url
		return d, nil
	}
	if !errors.Is(err, storage.ErrPresignUnsupported) {
		return Download{}, storageErr("presign blob", err)
	}
	rc, info, err := a.objects.Get(ctx, m.BlobPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, storageErr("open blob", err)
	}
	d.Body = rc
	if info.ContentType != "" {
		d.ContentType = info.ContentType
	}
	if info.Size > 0 {
		d.Size = info.Size
	}
	return d, nil
}

func downloadFilename(m domain.Material) string {
	if m.OriginalFilename != "" {
		return m.OriginalFilename
	}
	name := sanitizeFilename(m.Title)
	if name == "" {
		name = m.ID
	}
	return name + strings.ToLower(path.Ext(m.BlobPath))
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
