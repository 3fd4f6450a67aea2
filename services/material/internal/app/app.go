package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"unetwork/internal/util"
	"unetwork/pkg/ai"
	"unetwork/pkg/domain"
	"unetwork/pkg/events"
	"unetwork/pkg/queue"
	"unetwork/pkg/storage"
	"unetwork/pkg/store"
)

// CleanupQueue accepts orphaned blobs for out-of-band deletion.
type CleanupQueue interface {
	Enqueue(ctx context.Context, objectKey, reason string) (queue.CleanupJob, error)
}

// Config holds runtime configuration for the material application.
type Config struct {
	DatabaseURL       string
	Store             store.Store
	Objects           storage.ObjectStore
	Classifier        ai.DocumentClassifier
	Cleanup           CleanupQueue
	Events            events.Publisher
	AutoHideThreshold int
	ClassifierTimeout time.Duration
	InlineLimitBytes  int64
	ExtractMaxRunes   int
	PresignExpiry     time.Duration
	AllowedExtensions []string
	Now               func() time.Time
}

// App is the material pipeline: intake, classification, lifecycle and
// community moderation over one store and one blob store.
type App struct {
	store             store.Store
	objects           storage.ObjectStore
	classifier        ai.DocumentClassifier
	cleanup           CleanupQueue
	events            events.Publisher
	threshold         int
	classifierTimeout time.Duration
	inlineLimit       int64
	extractMaxRunes   int
	presignExpiry     time.Duration
	allowedExt        map[string]bool
	now               func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier required")
	}
	a := &App{
		store:             dataStore,
		objects:           cfg.Objects,
		classifier:        cfg.Classifier,
		cleanup:           cfg.Cleanup,
		events:            cfg.Events,
		threshold:         cfg.AutoHideThreshold,
		classifierTimeout: cfg.ClassifierTimeout,
		inlineLimit:       cfg.InlineLimitBytes,
		extractMaxRunes:   cfg.ExtractMaxRunes,
		presignExpiry:     cfg.PresignExpiry,
		now:               cfg.Now,
	}
	if a.events == nil {
		a.events = events.NopPublisher{}
	}
	if a.threshold <= 0 {
		a.threshold = domain.DefaultAutoHideThreshold
	}
	if a.classifierTimeout <= 0 {
		a.classifierTimeout = 60 * time.Second
	}
	if a.inlineLimit <= 0 {
		a.inlineLimit = 15 * 1024 * 1024
	}
	if a.extractMaxRunes <= 0 {
		a.extractMaxRunes = 20000
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = 15 * time.Minute
	}
	if a.now == nil {
		a.now = time.Now
	}
	if len(cfg.AllowedExtensions) > 0 {
		a.allowedExt = make(map[string]bool, len(cfg.AllowedExtensions))
		for _, ext := range cfg.AllowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			a.allowedExt[ext] = true
		}
	}
	return a, nil
}

// Threshold returns the report count that auto-hides a material.
func (a *App) Threshold() int {
	return a.threshold
}

// Ready reports whether the relational store answers.
func (a *App) Ready(ctx context.Context) error {
	type pinger interface {
		Ping(context.Context) error
	}
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// loadMaterial fetches a material and applies the visibility rule for user.
// Non-admins get ErrNotFound for anything that is not publicly visible.
func (a *App) loadMaterial(ctx context.Context, id string, user *domain.User) (domain.Material, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Material{}, ErrNotFound
	}
	m, ok, err := a.store.GetMaterial(ctx, id)
	if err != nil {
		return domain.Material{}, storageErr("get material", err)
	}
	if !ok {
		return domain.Material{}, ErrNotFound
	}
	if !m.VisibleToPublic() && !isAdmin(user) {
		return domain.Material{}, ErrNotFound
	}
	return m, nil
}

func (a *App) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = a.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = util.RequestIDFromContext(ctx)
	}
	if err := a.events.Publish(ctx, e); err != nil {
		util.LoggerFromContext(ctx).Warn("event_publish_failed", "type", e.Type, "material_id", e.MaterialID, "err", err)
	}
}

func isAdmin(user *domain.User) bool {
	return user != nil && user.IsAdmin()
}

// ownsPath reports whether path lives under the caller's upload prefix.
func ownsPath(user domain.User, path string) bool {
	if user.ID == "" {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	return strings.HasPrefix(path, blobPrefix(user.ID))
}

func mapStoreError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return storageErr(op, err)
	}
}
