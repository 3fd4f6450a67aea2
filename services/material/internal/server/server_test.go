package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"unetwork/internal/ratelimit"
	"unetwork/internal/usertoken"
	"unetwork/pkg/ai"
	"unetwork/pkg/storage"
	"unetwork/pkg/store"
	"unetwork/services/material/internal/app"
)

const classifierOutput = `{"title":"Certamen 1 Cálculo","category":"exam","program":"Ingeniería Civil"}`

type stubClassifier struct {
	raw string
	err error
}

func (s stubClassifier) ClassifyDocument(context.Context, string, ai.Document) (string, error) {
	return s.raw, s.err
}

func (stubClassifier) AcceptsInline(string) bool { return true }

type testServer struct {
	t      *testing.T
	url    string
	key    *rsa.PrivateKey
	client *http.Client
}

type serverOptions struct {
	classifier    ai.DocumentClassifier
	reportLimiter Limiter
	threshold     int
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	verifier, key := newJWKSVerifier(t)
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if opts.classifier == nil {
		opts.classifier = stubClassifier{raw: classifierOutput}
	}
	a, err := app.New(app.Config{
		Store:             store.NewMemoryStore(),
		Objects:           objects,
		Classifier:        opts.classifier,
		AllowedExtensions: []string{".pdf", ".txt"},
		AutoHideThreshold: opts.threshold,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{
		App:           a,
		Auth:          verifier,
		ReportLimiter: opts.reportLimiter,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)
	return &testServer{t: t, url: hs.URL, key: key, client: hs.Client()}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "unetwork-auth",
		Audience: "unetwork-materials",
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, usertoken.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "unetwork-auth",
			Audience:  jwt.ClaimStrings{"unetwork-materials"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
		Role: role,
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) token(subject string) string {
	return signToken(s.t, s.key, subject, "user")
}

func (s *testServer) adminToken() string {
	return signToken(s.t, s.key, "admin-1", "admin")
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (s *testServer) do(method, path, token string, body any, out any) *http.Response {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(req, token, out)
}

func (s *testServer) send(req *http.Request, token string, out any) *http.Response {
	s.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s %s: %v", req.Method, req.URL.Path, err)
		}
	}
	return resp
}

func (s *testServer) upload(token, filename, content string, out any) *http.Response {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		s.t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		s.t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		s.t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.url+"/uploads", &buf)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.send(req, token, out)
}

// publish runs upload, classify and confirm and returns the material id.
func (s *testServer) publish(token, content string) string {
	s.t.Helper()
	var up app.Upload
	if resp := s.upload(token, "certamen.pdf", content, &up); resp.StatusCode != http.StatusCreated {
		s.t.Fatalf("upload expected 201, got %d", resp.StatusCode)
	}
	var classified struct {
		Path     string `json:"path"`
		Metadata struct {
			Title    string `json:"title"`
			Category string `json:"category"`
			Program  string `json:"program"`
		} `json:"metadata"`
	}
	if resp := s.do(http.MethodPost, "/uploads/classify", token, map[string]string{"path": up.Path}, &classified); resp.StatusCode != http.StatusOK {
		s.t.Fatalf("classify expected 200, got %d", resp.StatusCode)
	}
	var created struct {
		MaterialID string `json:"materialId"`
	}
	resp := s.do(http.MethodPost, "/materials", token, app.ConfirmInput{
		Path:     up.Path,
		Title:    classified.Metadata.Title,
		Category: classified.Metadata.Category,
		Program:  classified.Metadata.Program,
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		s.t.Fatalf("confirm expected 201, got %d", resp.StatusCode)
	}
	if created.MaterialID == "" {
		s.t.Fatalf("confirm returned no material id")
	}
	return created.MaterialID
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	var errResp errorResponse
	resp := ts.upload("", "a.pdf", "data", &errResp)
	if resp.StatusCode != http.StatusUnauthorized || errResp.Code != "AUTH_INVALID_TOKEN" {
		t.Fatalf("missing token expected 401 AUTH_INVALID_TOKEN, got %d %q", resp.StatusCode, errResp.Code)
	}
	if errResp.RequestID == "" {
		t.Fatalf("error response should carry the request id")
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := signToken(t, otherKey, "user-1", "admin")
	if resp := ts.do(http.MethodGet, "/materials", forged, nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token on optional route expected 401, got %d", resp.StatusCode)
	}

	var list struct {
		Count int `json:"count"`
	}
	if resp := ts.do(http.MethodGet, "/materials", "", nil, &list); resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous list expected 200, got %d", resp.StatusCode)
	}
}

func TestPublishFlowAndDuplicateRejection(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	alice := ts.token("user-1")
	id := ts.publish(alice, "%PDF-1.4 certamen")

	var view app.MaterialView
	if resp := ts.do(http.MethodGet, "/materials/"+id, "", nil, &view); resp.StatusCode != http.StatusOK {
		t.Fatalf("get expected 200, got %d", resp.StatusCode)
	}
	if view.Title != "Certamen 1 Cálculo" || view.AuthorID != "user-1" {
		t.Fatalf("unexpected material %+v", view.Material)
	}

	var dup errorResponse
	resp := ts.upload(ts.token("user-2"), "copy.pdf", "%PDF-1.4 certamen", &dup)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate upload expected 409, got %d", resp.StatusCode)
	}
	if dup.Code != "MATERIAL_DUPLICATE_CONTENT" || dup.MaterialID != id || dup.Title != "Certamen 1 Cálculo" {
		t.Fatalf("unexpected duplicate response %+v", dup)
	}
}

func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	var errResp errorResponse
	resp := ts.upload(ts.token("user-1"), "virus.exe", "MZ", &errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Code != "MATERIAL_VALIDATION_FAILED" {
		t.Fatalf("expected 400 validation, got %d %+v", resp.StatusCode, errResp)
	}
	if _, ok := errResp.Fields["file"]; !ok {
		t.Fatalf("expected file field error, got %v", errResp.Fields)
	}
}

func TestConfirmValidationListsFields(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := ts.token("user-1")
	var up app.Upload
	ts.upload(token, "guia.txt", "guía de ejercicios", &up)

	var errResp errorResponse
	resp := ts.do(http.MethodPost, "/materials", token, app.ConfirmInput{Path: up.Path, Category: "recipe"}, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	for _, field := range []string{"title", "category", "program"} {
		if _, ok := errResp.Fields[field]; !ok {
			t.Fatalf("missing field error %q in %v", field, errResp.Fields)
		}
	}
}

func TestClassificationFailureIs422(t *testing.T) {
	ts := newTestServer(t, serverOptions{classifier: stubClassifier{raw: "I cannot help with that"}})
	token := ts.token("user-1")
	var up app.Upload
	ts.upload(token, "a.pdf", "%PDF data", &up)

	var errResp errorResponse
	resp := ts.do(http.MethodPost, "/uploads/classify", token, map[string]string{"path": up.Path}, &errResp)
	if resp.StatusCode != http.StatusUnprocessableEntity || errResp.Code != "MATERIAL_CLASSIFICATION_FAILED" {
		t.Fatalf("expected 422 classification failure, got %d %+v", resp.StatusCode, errResp)
	}
}

func TestClassifyForeignPathForbidden(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	var up app.Upload
	ts.upload(ts.token("user-1"), "a.pdf", "%PDF data", &up)

	resp := ts.do(http.MethodPost, "/uploads/classify", ts.token("user-2"), map[string]string{"path": up.Path}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign path expected 403, got %d", resp.StatusCode)
	}
}

func TestVotesViewsAndDownload(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.publish(ts.token("user-1"), "%PDF apuntes")
	bob := ts.token("user-2")

	var out app.VoteOutcome
	ts.do(http.MethodPost, "/materials/"+id+"/votes", bob, map[string]string{"polarity": "up"}, &out)
	if out.Positive != 1 || out.Rating != 100 {
		t.Fatalf("unexpected tally after up vote %+v", out)
	}
	ts.do(http.MethodPost, "/materials/"+id+"/votes", bob, map[string]string{"polarity": "down"}, &out)
	if out.Positive != 0 || out.Negative != 1 || out.Rating != 0 {
		t.Fatalf("unexpected tally after switch %+v", out)
	}
	ts.do(http.MethodDelete, "/materials/"+id+"/votes", bob, nil, &out)
	if out.Positive != 0 || out.Negative != 0 {
		t.Fatalf("unexpected tally after retract %+v", out)
	}
	if resp := ts.do(http.MethodPost, "/materials/"+id+"/votes", bob, map[string]string{"polarity": "sideways"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad polarity expected 400, got %d", resp.StatusCode)
	}

	var viewed struct {
		Counted bool `json:"counted"`
	}
	ts.do(http.MethodPost, "/materials/"+id+"/views", bob, nil, &viewed)
	if !viewed.Counted {
		t.Fatalf("first view should count")
	}
	ts.do(http.MethodPost, "/materials/"+id+"/views", bob, nil, &viewed)
	if viewed.Counted {
		t.Fatalf("repeat view by the same user should not count")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.url+"/materials/"+id+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+bob)
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "%PDF apuntes" {
		t.Fatalf("unexpected download %d %q", resp.StatusCode, body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Fatalf("expected attachment disposition, got %q", cd)
	}

	var view app.MaterialView
	ts.do(http.MethodGet, "/materials/"+id, "", nil, &view)
	if view.ViewCount != 1 || view.DownloadCount != 1 {
		t.Fatalf("unexpected counters views=%d downloads=%d", view.ViewCount, view.DownloadCount)
	}
}

func TestReportsHideMaterialAndAreRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:report", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ts := newTestServer(t, serverOptions{reportLimiter: limiter, threshold: 2})
	id := ts.publish(ts.token("user-1"), "%PDF reported")

	var first app.ReportOutcome
	if resp := ts.do(http.MethodPost, "/materials/"+id+"/reports", ts.token("user-2"), map[string]string{"reason": "spam"}, &first); resp.StatusCode != http.StatusCreated {
		t.Fatalf("report expected 201, got %d", resp.StatusCode)
	}
	if first.Hidden || first.ReportCount != 1 || first.Status != "review" {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	resp := ts.do(http.MethodPost, "/materials/"+id+"/reports", ts.token("user-2"), map[string]string{"reason": "spam"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second report in window expected 429 with Retry-After, got %d", resp.StatusCode)
	}

	var second app.ReportOutcome
	ts.do(http.MethodPost, "/materials/"+id+"/reports", ts.token("user-3"), map[string]string{"reason": "copyright"}, &second)
	if !second.Hidden || second.ReportCount != 2 {
		t.Fatalf("threshold reached, expected hidden: %+v", second)
	}

	if resp := ts.do(http.MethodGet, "/materials/"+id, "", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("hidden material expected 404 for public, got %d", resp.StatusCode)
	}
	var adminView app.MaterialView
	if resp := ts.do(http.MethodGet, "/materials/"+id, ts.adminToken(), nil, &adminView); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin expected 200, got %d", resp.StatusCode)
	}
	if len(adminView.Warnings) != 2 {
		t.Fatalf("admin should see review and hidden warnings, got %v", adminView.Warnings)
	}
}

func TestAlreadyReportedIsInformational(t *testing.T) {
	ts := newTestServer(t, serverOptions{threshold: 10})
	id := ts.publish(ts.token("user-1"), "%PDF twice")
	token := ts.token("user-2")
	ts.do(http.MethodPost, "/materials/"+id+"/reports", token, map[string]string{"reason": "spam"}, nil)

	var out struct {
		Status      string `json:"status"`
		ReportCount int    `json:"reportCount"`
	}
	resp := ts.do(http.MethodPost, "/materials/"+id+"/reports", token, map[string]string{"reason": "spam"}, &out)
	if resp.StatusCode != http.StatusOK || out.Status != "already_reported" || out.ReportCount != 1 {
		t.Fatalf("unexpected repeat report response %d %+v", resp.StatusCode, out)
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, serverOptions{threshold: 10})
	id := ts.publish(ts.token("user-1"), "%PDF admin")
	hidden := true

	if resp := ts.do(http.MethodPatch, "/admin/materials/"+id, ts.token("user-2"), app.ModerationUpdate{Hidden: &hidden}, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin moderation expected 403, got %d", resp.StatusCode)
	}
	var view app.MaterialView
	if resp := ts.do(http.MethodPatch, "/admin/materials/"+id, ts.adminToken(), app.ModerationUpdate{Hidden: &hidden}, &view); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin moderation expected 200, got %d", resp.StatusCode)
	}
	if !view.Hidden {
		t.Fatalf("material should be hidden after moderation")
	}

	ts.do(http.MethodPost, "/materials/"+id+"/reports", ts.token("user-3"), map[string]string{"reason": "incorrect"}, nil)
	var reports struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Count int `json:"count"`
	}
	ts.do(http.MethodGet, "/materials/"+id+"/reports", ts.adminToken(), nil, &reports)
	if reports.Count != 1 {
		t.Fatalf("expected one report, got %d", reports.Count)
	}
	if resp := ts.do(http.MethodPost, "/admin/reports/"+reports.Items[0].ID+"/resolve", ts.adminToken(), nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve expected 200, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	ts.do(http.MethodPost, "/admin/reports/missing/resolve", ts.adminToken(), nil, &errResp)
	if errResp.Code != "MATERIAL_REPORT_NOT_FOUND" {
		t.Fatalf("unexpected code for missing report %q", errResp.Code)
	}
}

func TestDeleteMaterial(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	owner := ts.token("user-1")
	id := ts.publish(owner, "%PDF deleted")

	if resp := ts.do(http.MethodDelete, "/materials/"+id, ts.token("user-2"), nil, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger delete expected 403, got %d", resp.StatusCode)
	}
	var out map[string]string
	if resp := ts.do(http.MethodDelete, "/materials/"+id, owner, nil, &out); resp.StatusCode != http.StatusOK || out["status"] != "deleted" {
		t.Fatalf("owner delete expected 200 deleted, got %d %v", resp.StatusCode, out)
	}
	if resp := ts.do(http.MethodGet, "/materials/"+id, "", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted material expected 404, got %d", resp.StatusCode)
	}
}

func TestListMaterialsRejectsBadFilters(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	if resp := ts.do(http.MethodGet, "/materials?category=recipe", "", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad category expected 400, got %d", resp.StatusCode)
	}
	if resp := ts.do(http.MethodGet, "/materials?limit=-1", "", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit expected 400, got %d", resp.StatusCode)
	}
}

func TestWriteAppErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&app.StorageError{Op: "put", Err: errors.New("down")}, http.StatusServiceUnavailable, "SYSTEM_STORAGE_ERROR"},
		{app.ErrNotFound, http.StatusNotFound, "MATERIAL_NOT_FOUND"},
		{app.ErrForbidden, http.StatusForbidden, "MATERIAL_FORBIDDEN"},
		{errors.New("boom"), http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeAppError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		var resp errorResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Code != tc.status || resp.Code != tc.code {
			t.Fatalf("%v: got %d %q, want %d %q", tc.err, rec.Code, resp.Code, tc.status, tc.code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	if resp := ts.do(http.MethodGet, "/healthz", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
	if resp := ts.do(http.MethodGet, "/readyz", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz expected 200, got %d", resp.StatusCode)
	}
	if resp := ts.do(http.MethodGet, "/metrics", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics expected 200, got %d", resp.StatusCode)
	}
}
