package app

import (
	"context"

	"unetwork/pkg/domain"
	"unetwork/pkg/metrics"
)

// RecordView counts a read. Identified users count once per material;
// anonymous reads always count. It reports whether the counter moved.
func (a *App) RecordView(ctx context.Context, materialID string, user *domain.User) (bool, error) {
	m, err := a.loadMaterial(ctx, materialID, user)
	if err != nil {
		return false, err
	}
	counted, err := a.store.IncrementViews(ctx, m.ID, userID(user))
	if err != nil {
		return false, mapStoreError("record view", err)
	}
	metrics.RecordEngagement("view", counted)
	return counted, nil
}

// RecordDownload counts a download like RecordView and returns where the
// bytes can be fetched. The counter moves before the blob is opened.
func (a *App) RecordDownload(ctx context.Context, materialID string, user *domain.User) (Download, error) {
	m, err := a.loadMaterial(ctx, materialID, user)
	if err != nil {
		return Download{}, err
	}
	counted, err := a.store.IncrementDownloads(ctx, m.ID, userID(user))
	if err != nil {
		return Download{}, mapStoreError("record download", err)
	}
	metrics.RecordEngagement("download", counted)
	return a.openDownload(ctx, m)
}

func userID(user *domain.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}
