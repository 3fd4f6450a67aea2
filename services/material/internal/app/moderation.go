package app

import (
	"context"
	"errors"
	"strings"

	"unetwork/internal/util"
	"unetwork/pkg/domain"
	"unetwork/pkg/events"
	"unetwork/pkg/metrics"
	"unetwork/pkg/store"
)

const maxReportDetailRunes = 1000

// UnknownReportCount marks an outcome whose report count could not be read.
const UnknownReportCount = -1

// ReportOutcome is the material's moderation state after a report.
type ReportOutcome struct {
	ReportID    string                `json:"reportId,omitempty"`
	Status      domain.MaterialStatus `json:"status"`
	Hidden      bool                  `json:"hidden"`
	ReportCount int                   `json:"reportCount"`
}

// ModerationUpdate is an administrator edit. Nil fields are left alone.
type ModerationUpdate struct {
	Hidden *bool   `json:"hidden"`
	Status *string `json:"status"`
}

// SubmitReport files a report. Every accepted report sends the material to
// review; once the report count reaches the threshold it is hidden too.
// A second report by the same user returns ErrAlreadyReported along with
// the current state.
func (a *App) SubmitReport(ctx context.Context, user domain.User, materialID, reason, detail string) (ReportOutcome, error) {
	r := domain.ReportReason(strings.ToLower(strings.TrimSpace(reason)))
	if !r.Valid() {
		return ReportOutcome{}, invalid("reason", "unknown report reason")
	}
	// Reported materials leave public view, so later reporters must still
	// reach them: no visibility filter here.
	m, ok, err := a.store.GetMaterial(ctx, strings.TrimSpace(materialID))
	if err != nil {
		return ReportOutcome{}, storageErr("get material", err)
	}
	if !ok {
		return ReportOutcome{}, ErrNotFound
	}

	now := a.now().UTC()
	report := domain.Report{
		ID:         util.NewID(),
		MaterialID: m.ID,
		UserID:     user.ID,
		Reason:     r,
		Detail:     clipRunes(strings.TrimSpace(detail), maxReportDetailRunes),
		State:      domain.ReportPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.CreateReport(ctx, report); err != nil {
		if errors.Is(err, store.ErrAlreadyReported) {
			metrics.ReportsTotal.WithLabelValues("already_reported").Inc()
			count, err := a.store.CountReports(ctx, m.ID)
			if err != nil {
				util.LoggerFromContext(ctx).Warn("report_count_failed", "material_id", m.ID, "err", err)
				count = UnknownReportCount
			}
			return ReportOutcome{Status: m.Status, Hidden: m.Hidden, ReportCount: count}, ErrAlreadyReported
		}
		return ReportOutcome{}, storageErr("create report", err)
	}
	metrics.ReportsTotal.WithLabelValues("accepted").Inc()
	logger := util.LoggerFromContext(ctx)
	logger.Info("material_reported", "material_id", m.ID, "report_id", report.ID, "reason", r)
	a.publish(ctx, events.Event{
		Type:       events.MaterialReported,
		MaterialID: m.ID,
		ActorID:    user.ID,
		Data:       map[string]any{"reportId": report.ID, "reason": r},
	})

	changed, err := a.store.SetMaterialStatus(ctx, m.ID, domain.StatusReview)
	if err != nil {
		return ReportOutcome{}, mapStoreError("set review status", err)
	}
	if changed {
		a.publish(ctx, events.Event{
			Type:       events.MaterialStatusChanged,
			MaterialID: m.ID,
			Data:       map[string]any{"status": domain.StatusReview, "trigger": "report"},
		})
	}

	count, err := a.store.CountReports(ctx, m.ID)
	if err != nil {
		return ReportOutcome{}, storageErr("count reports", err)
	}
	hidden := m.Hidden
	if domain.ShouldAutoHide(count, a.threshold) {
		hidden = true
		changed, err := a.store.SetMaterialHidden(ctx, m.ID, true)
		if err != nil {
			return ReportOutcome{}, mapStoreError("auto hide", err)
		}
		if changed {
			metrics.AutoHidesTotal.Inc()
			logger.Warn("material_auto_hidden", "material_id", m.ID, "reports", count, "threshold", a.threshold)
			a.publish(ctx, events.Event{
				Type:       events.MaterialAutoHidden,
				MaterialID: m.ID,
				Data:       map[string]any{"reports": count, "threshold": a.threshold},
			})
		}
	}
	return ReportOutcome{ReportID: report.ID, Status: domain.StatusReview, Hidden: hidden, ReportCount: count}, nil
}

// Moderate applies an administrator edit, bypassing the report threshold.
func (a *App) Moderate(ctx context.Context, admin domain.User, materialID string, update ModerationUpdate) (MaterialView, error) {
	if !admin.IsAdmin() {
		return MaterialView{}, ErrForbidden
	}
	if update.Hidden == nil && update.Status == nil {
		return MaterialView{}, invalid("body", "hidden or status is required")
	}
	var status domain.MaterialStatus
	if update.Status != nil {
		status = domain.MaterialStatus(strings.ToLower(strings.TrimSpace(*update.Status)))
		if !status.Valid() {
			return MaterialView{}, invalid("status", "status must be public or review")
		}
	}
	m, err := a.loadMaterial(ctx, materialID, &admin)
	if err != nil {
		return MaterialView{}, err
	}
	logger := util.LoggerFromContext(ctx)
	if update.Status != nil {
		changed, err := a.store.SetMaterialStatus(ctx, m.ID, status)
		if err != nil {
			return MaterialView{}, mapStoreError("set status", err)
		}
		if changed {
			logger.Info("material_status_set", "material_id", m.ID, "status", status, "admin_id", admin.ID)
			a.publish(ctx, events.Event{
				Type:       events.MaterialStatusChanged,
				MaterialID: m.ID,
				ActorID:    admin.ID,
				Data:       map[string]any{"status": status, "trigger": "admin"},
			})
		}
	}
	if update.Hidden != nil {
		changed, err := a.store.SetMaterialHidden(ctx, m.ID, *update.Hidden)
		if err != nil {
			return MaterialView{}, mapStoreError("set hidden", err)
		}
		if changed {
			logger.Info("material_hidden_set", "material_id", m.ID, "hidden", *update.Hidden, "admin_id", admin.ID)
			a.publish(ctx, events.Event{
				Type:       events.MaterialHiddenChanged,
				MaterialID: m.ID,
				ActorID:    admin.ID,
				Data:       map[string]any{"hidden": *update.Hidden},
			})
		}
	}
	return a.GetMaterial(ctx, m.ID, &admin)
}

// ListReports returns every report filed against a material, including
// reports whose material has since been deleted.
func (a *App) ListReports(ctx context.Context, admin domain.User, materialID string) ([]domain.Report, error) {
	if !admin.IsAdmin() {
		return nil, ErrForbidden
	}
	reports, err := a.store.ListReports(ctx, strings.TrimSpace(materialID))
	if err != nil {
		return nil, storageErr("list reports", err)
	}
	return reports, nil
}

// ResolveReport closes a report. The report still counts toward the threshold.
func (a *App) ResolveReport(ctx context.Context, admin domain.User, reportID string) (domain.Report, error) {
	if !admin.IsAdmin() {
		return domain.Report{}, ErrForbidden
	}
	report, err := a.store.ResolveReport(ctx, strings.TrimSpace(reportID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Report{}, ErrReportNotFound
	}
	if err != nil {
		return domain.Report{}, storageErr("resolve report", err)
	}
	a.publish(ctx, events.Event{
		Type:       events.ReportResolved,
		MaterialID: report.MaterialID,
		ActorID:    admin.ID,
		Data:       map[string]any{"reportId": report.ID},
	})
	return report, nil
}
