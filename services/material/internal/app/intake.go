package app

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"unetwork/internal/util"
	"unetwork/pkg/metrics"
)

// Object metadata keys stamped on every upload.
const (
	metaFingerprint = "fingerprint"
	metaFilename    = "original-filename"
	metaAuthor      = "author-id"
)

// Upload is a provisional blob awaiting classification and confirmation.
type Upload struct {
	Path             string `json:"path"`
	Fingerprint      string `json:"fingerprint"`
	SizeBytes        int64  `json:"sizeBytes"`
	MediaType        string `json:"mediaType"`
	OriginalFilename string `json:"originalFilename"`
}

// SubmitBytes stores an upload under the author's prefix and runs the
// duplicate pre-check against it. A duplicate removes the new blob again.
func (a *App) SubmitBytes(ctx context.Context, authorID, filename string, data []byte, mediaTypeHint string) (Upload, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return Upload{}, ErrForbidden
	}
	if len(data) == 0 {
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		return Upload{}, invalid("file", "file is empty")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if a.allowedExt != nil && !a.allowedExt[ext] {
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		return Upload{}, invalid("file", "unsupported file type "+strconv.Quote(ext))
	}
	fingerprint := Fingerprint(data)
	upload := Upload{
		Path:             buildBlobPath(authorID, ext),
		Fingerprint:      fingerprint,
		SizeBytes:        int64(len(data)),
		MediaType:        detectMediaType(ext, mediaTypeHint),
		OriginalFilename: sanitizeFilename(filepath.Base(filename)),
	}
	meta := map[string]string{
		metaFingerprint: fingerprint,
		metaFilename:    upload.OriginalFilename,
		metaAuthor:      authorID,
	}
	if err := a.objects.Put(ctx, upload.Path, bytes.NewReader(data), upload.SizeBytes, upload.MediaType, meta); err != nil {
		metrics.UploadsTotal.WithLabelValues("storage_error").Inc()
		// A failed put may still have left a partial object behind.
		a.compensate(ctx, upload.Path, "put_failed")
		return Upload{}, storageErr("save blob", err)
	}
	if err := a.findDuplicate(ctx, fingerprint); err != nil {
		var dup *DuplicateContentError
		if errors.As(err, &dup) {
			metrics.UploadsTotal.WithLabelValues("duplicate").Inc()
			return Upload{}, a.rejectDuplicate(ctx, upload.Path, dup)
		}
		metrics.UploadsTotal.WithLabelValues("storage_error").Inc()
		a.compensate(ctx, upload.Path, "lookup_failed")
		return Upload{}, err
	}
	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	util.LoggerFromContext(ctx).Info("upload_accepted", "path", upload.Path, "size", upload.SizeBytes, "media_type", upload.MediaType)
	return upload, nil
}

func blobPrefix(authorID string) string {
	return "materials/" + authorID + "/"
}

func buildBlobPath(authorID, ext string) string {
	return path.Join("materials", authorID, uuid.NewString()+ext)
}

// knownMediaTypes pins extensions whose type differs across host mime tables.
var knownMediaTypes = map[string]string{
	".md":   "text/markdown",
	".epub": "application/epub+zip",
	".heic": "image/heic",
}

// detectMediaType prefers the extension; the client hint only fills gaps.
func detectMediaType(ext, hint string) string {
	ext = strings.ToLower(ext)
	if ct, ok := knownMediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		if mt, _, err := mime.ParseMediaType(hint); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
