package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"unetwork/internal/util"
	"unetwork/pkg/ai"
	"unetwork/pkg/domain"
	"unetwork/pkg/metrics"
	"unetwork/pkg/storage"
)

// Classify asks the classifier for advisory metadata about an upload owned by
// user. Duplicates and unusable classifier output both remove the blob; the
// caller has to upload again.
func (a *App) Classify(ctx context.Context, user domain.User, blobPath string) (domain.Metadata, error) {
	blobPath = strings.TrimSpace(blobPath)
	if blobPath == "" {
		return domain.Metadata{}, invalid("path", "path is required")
	}
	if !ownsPath(user, blobPath) {
		return domain.Metadata{}, ErrForbidden
	}

	var (
		data       []byte
		info       storage.ObjectInfo
		storedHash string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rc, objInfo, err := a.objects.Get(gctx, blobPath)
		if err != nil {
			return err
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read blob: %w", err)
		}
		data, info = buf, objInfo
		return nil
	})
	g.Go(func() error {
		stat, err := a.objects.Stat(gctx, blobPath)
		if err != nil {
			return err
		}
		storedHash = stat.Metadata[metaFingerprint]
		return a.findDuplicate(gctx, storedHash)
	})
	if err := g.Wait(); err != nil {
		var dup *DuplicateContentError
		switch {
		case errors.As(err, &dup):
			return domain.Metadata{}, a.rejectDuplicate(ctx, blobPath, dup)
		case errors.Is(err, storage.ErrObjectNotFound):
			return domain.Metadata{}, ErrNotFound
		case errors.As(err, new(*StorageError)):
			return domain.Metadata{}, err
		default:
			return domain.Metadata{}, storageErr("load blob", err)
		}
	}
	// Objects written without metadata still get checked.
	if fp := Fingerprint(data); fp != storedHash {
		if err := a.findDuplicate(ctx, fp); err != nil {
			var dup *DuplicateContentError
			if errors.As(err, &dup) {
				return domain.Metadata{}, a.rejectDuplicate(ctx, blobPath, dup)
			}
			return domain.Metadata{}, err
		}
	}

	doc, mode, err := a.buildDocument(data, info.ContentType, path.Ext(blobPath))
	if err != nil {
		metrics.ClassificationsTotal.WithLabelValues(mode, "no_input").Inc()
		return domain.Metadata{}, a.classificationFailed(ctx, blobPath, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.classifierTimeout)
	defer cancel()
	start := time.Now()
	raw, err := a.classifier.ClassifyDocument(callCtx, classificationPrompt, doc)
	metrics.ClassificationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassificationsTotal.WithLabelValues(mode, "call_failed").Inc()
		return domain.Metadata{}, a.classificationFailed(ctx, blobPath, err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		metrics.ClassificationsTotal.WithLabelValues(mode, "unparseable").Inc()
		return domain.Metadata{}, a.classificationFailed(ctx, blobPath, err)
	}
	metrics.ClassificationsTotal.WithLabelValues(mode, "ok").Inc()
	util.LoggerFromContext(ctx).Info("classification_done", "path", blobPath, "mode", mode, "category", meta.Category)
	return meta, nil
}

// buildDocument sends bytes inline when the provider takes the media type
// and the blob fits the inline limit; otherwise extracted text.
func (a *App) buildDocument(data []byte, mediaType, ext string) (ai.Document, string, error) {
	ext = strings.ToLower(ext)
	if mediaType == "" {
		mediaType = detectMediaType(ext, "")
	}
	if a.classifier.AcceptsInline(mediaType) && int64(len(data)) <= a.inlineLimit {
		return ai.Document{Data: data, MIMEType: mediaType}, "inline", nil
	}
	text, err := ExtractText(data, mediaType, ext, a.extractMaxRunes)
	if err != nil {
		return ai.Document{}, "text", err
	}
	return ai.Document{MIMEType: "text/plain", Text: text}, "text", nil
}

func (a *App) classificationFailed(ctx context.Context, blobPath string, cause error) error {
	util.LoggerFromContext(ctx).Warn("classification_failed", "path", blobPath, "err", cause)
	a.compensate(ctx, blobPath, "classification_failed")
	return fmt.Errorf("%w: %v", ErrClassificationFailed, cause)
}
