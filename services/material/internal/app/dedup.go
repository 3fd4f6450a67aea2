package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"unetwork/internal/util"
)

// Fingerprint is the hex MD5 digest of the raw upload bytes.
func Fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// findDuplicate returns a *DuplicateContentError when a material already
// holds fingerprint. This is a fast path only; the unique index on
// materials.fingerprint decides at insert time.
func (a *App) findDuplicate(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	existing, ok, err := a.store.FindMaterialByFingerprint(ctx, fingerprint)
	if err != nil {
		return storageErr("lookup fingerprint", err)
	}
	if !ok {
		return nil
	}
	return &DuplicateContentError{MaterialID: existing.ID, Title: existing.Title, blobPath: existing.BlobPath}
}

// rejectDuplicate drops the provisional blob and hands back dup. A blob that
// already backs the existing material is left alone.
func (a *App) rejectDuplicate(ctx context.Context, blobPath string, dup *DuplicateContentError) error {
	logger := util.LoggerFromContext(ctx)
	if dup.blobPath == blobPath {
		logger.Info("duplicate_path_already_published", "path", blobPath, "existing_material_id", dup.MaterialID)
		return dup
	}
	logger.Info("duplicate_upload_rejected", "path", blobPath, "existing_material_id", dup.MaterialID)
	a.compensate(ctx, blobPath, "duplicate")
	return dup
}
