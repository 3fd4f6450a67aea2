package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"unetwork/internal/ratelimit"
	"unetwork/internal/usertoken"
	"unetwork/internal/util"
	"unetwork/pkg/domain"
	"unetwork/pkg/metrics"
	"unetwork/pkg/store"
	"unetwork/services/material/internal/app"
)

const serviceName = "material"

// Authenticator verifies a bearer token and returns the caller.
type Authenticator interface {
	Verify(token string) (usertoken.Identity, error)
}

// Limiter decides whether a keyed request fits its quota.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	Auth               Authenticator
	UploadLimiter      Limiter
	ReportLimiter      Limiter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
	MaxUploadBytes     int64
}

// Server exposes HTTP endpoints for the material service.
type Server struct {
	app            *app.App
	auth           Authenticator
	uploadLimiter  Limiter
	reportLimiter  Limiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		auth:           cfg.Auth,
		uploadLimiter:  cfg.UploadLimiter,
		reportLimiter:  cfg.ReportLimiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = metrics.Middleware(serviceName, h)
	h = util.WithRequestLog(serviceName, h)
	h = util.WithClientIP(s.trusted, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	// intake
	s.mux.Handle("POST /uploads", s.withUser(s.handleUpload))
	s.mux.Handle("POST /uploads/classify", s.withUser(s.handleClassify))
	s.mux.Handle("POST /materials", s.withUser(s.handleConfirm))

	// reading
	s.mux.Handle("GET /materials", s.withOptionalUser(s.handleListMaterials))
	s.mux.Handle("GET /materials/{id}", s.withOptionalUser(s.handleGetMaterial))
	s.mux.Handle("DELETE /materials/{id}", s.withUser(s.handleDeleteMaterial))
	s.mux.Handle("POST /materials/{id}/views", s.withOptionalUser(s.handleView))
	s.mux.Handle("GET /materials/{id}/download", s.withOptionalUser(s.handleDownload))

	// votes
	s.mux.Handle("POST /materials/{id}/votes", s.withUser(s.handleCastVote))
	s.mux.Handle("DELETE /materials/{id}/votes", s.withUser(s.handleRetractVote))

	// moderation
	s.mux.Handle("POST /materials/{id}/reports", s.withUser(s.handleReport))
	s.mux.Handle("GET /materials/{id}/reports", s.withAdmin(s.handleListReports))
	s.mux.Handle("PATCH /admin/materials/{id}", s.withAdmin(s.handleModerate))
	s.mux.Handle("POST /admin/reports/{id}/resolve", s.withAdmin(s.handleResolveReport))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(ctx).Warn("readiness_failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

type optionalUserHandler func(http.ResponseWriter, *http.Request, *domain.User)

func (s *Server) authenticate(r *http.Request) (domain.User, error) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, errMissingToken
	}
	identity, err := s.auth.Verify(token)
	if err != nil {
		return domain.User{}, err
	}
	role := domain.RoleUser
	if identity.Role == string(domain.RoleAdmin) {
		role = domain.RoleAdmin
	}
	return domain.User{
		ID:     identity.UserID,
		Role:   role,
		Status: domain.StatusActive,
	}, nil
}

var errMissingToken = errors.New("missing bearer token")

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// withOptionalUser lets anonymous callers through. A token that is present
// but invalid is still rejected.
func (s *Server) withOptionalUser(next optionalUserHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := bearerToken(r); !ok {
			next(w, r, nil)
			return
		}
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, &user)
	})
}

func (s *Server) withAdmin(next userHandler) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if !user.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

// allow applies limiter to the caller; anonymous callers are keyed by IP.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter Limiter, bucket, userID string) bool {
	if limiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = "ip:" + util.ClientIPFromContext(r.Context())
	}
	decision := limiter.Allow(r.Context(), bucket+":"+key)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allow(w, r, s.uploadLimiter, "upload", user.ID) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	upload, err := s.app.SubmitBytes(r.Context(), user.ID, header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

type classifyRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req classifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	meta, err := s.app.Classify(r.Context(), user, req.Path)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": req.Path, "metadata": meta})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.ConfirmInput
	if !decodeJSON(w, r, &req) {
		return
	}
	material, err := s.app.ConfirmMaterial(r.Context(), user, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"materialId": material.ID, "material": material})
}

func (s *Server) handleListMaterials(w http.ResponseWriter, r *http.Request, user *domain.User) {
	q := r.URL.Query()
	filter := store.MaterialFilter{
		SubjectID: strings.TrimSpace(q.Get("subjectId")),
		Program:   strings.TrimSpace(q.Get("program")),
		AuthorID:  strings.TrimSpace(q.Get("authorId")),
	}
	if raw := strings.TrimSpace(q.Get("category")); raw != "" {
		c, ok := domain.ParseCategory(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid category")
			return
		}
		filter.Category = c
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	filter.IncludeHidden, _ = strconv.ParseBool(q.Get("includeHidden"))
	items, err := s.app.ListMaterials(r.Context(), user, filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleGetMaterial(w http.ResponseWriter, r *http.Request, user *domain.User) {
	view, err := s.app.GetMaterial(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteMaterial(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteMaterial(r.Context(), user, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, user *domain.User) {
	counted, err := s.app.RecordView(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded", "counted": counted})
}

// handleDownload counts the download, then returns a presigned URL or
// streams the blob when the backend cannot presign.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user *domain.User) {
	d, err := s.app.RecordDownload(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if d.Body == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"url":      d.URL,
			"filename": d.Filename,
		})
		return
	}
	defer d.Body.Close()
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("Cache-Control", "private, max-age=0")
	if d.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download_stream_interrupted", "material_id", r.PathValue("id"), "err", err)
	}
}

type voteRequest struct {
	Polarity string `json:"polarity"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req voteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	polarity, err := app.ParsePolarity(req.Polarity)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	out, err := s.app.CastVote(r.Context(), user, r.PathValue("id"), polarity)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetractVote(w http.ResponseWriter, r *http.Request, user domain.User) {
	out, err := s.app.RetractVote(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type reportRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allow(w, r, s.reportLimiter, "report", user.ID) {
		return
	}
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.app.SubmitReport(r.Context(), user, r.PathValue("id"), req.Reason, req.Detail)
	if errors.Is(err, app.ErrAlreadyReported) {
		body := map[string]any{
			"status": "already_reported",
			"hidden": out.Hidden,
		}
		if out.ReportCount != app.UnknownReportCount {
			body["reportCount"] = out.ReportCount
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request, user domain.User) {
	reports, err := s.app.ListReports(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": reports,
		"count": len(reports),
	})
}

func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req app.ModerationUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.Moderate(r.Context(), user, r.PathValue("id"), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request, user domain.User) {
	report, err := s.app.ResolveReport(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
