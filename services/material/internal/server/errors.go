package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"unetwork/internal/util"
	"unetwork/services/material/internal/app"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error      string            `json:"error"`
	Code       string            `json:"code"`
	RequestID  string            `json:"requestId,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	MaterialID string            `json:"materialId,omitempty"`
	Title      string            `json:"title,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp errorResponse) {
	if resp.Code == "" {
		resp.Code = errorCodeForMaterial(status, resp.Error)
	}
	resp.RequestID = strings.TrimSpace(w.Header().Get("X-Request-Id"))
	writeJSON(w, status, resp)
}

// writeAppError maps app errors onto HTTP responses. Unknown errors are
// logged and reported as 500 without leaking details.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *app.ValidationError
		duplicate  *app.DuplicateContentError
		storage    *app.StorageError
	)
	switch {
	case errors.As(err, &validation):
		writeErrorResponse(w, http.StatusBadRequest, errorResponse{
			Error:  "validation failed",
			Code:   "MATERIAL_VALIDATION_FAILED",
			Fields: validation.Fields,
		})
	case errors.As(err, &duplicate):
		writeErrorResponse(w, http.StatusConflict, errorResponse{
			Error:      "duplicate content",
			Code:       "MATERIAL_DUPLICATE_CONTENT",
			MaterialID: duplicate.MaterialID,
			Title:      duplicate.Title,
		})
	case errors.Is(err, app.ErrClassificationFailed):
		writeError(w, http.StatusUnprocessableEntity, "classification failed")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "material not found")
	case errors.Is(err, app.ErrReportNotFound):
		writeError(w, http.StatusNotFound, "report not found")
	case errors.As(err, &storage):
		util.LoggerFromContext(r.Context()).Error("storage_failure", "op", storage.Op, "err", storage.Err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorCodeForMaterial(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "MATERIAL_FORBIDDEN"
	case message == "material not found":
		return "MATERIAL_NOT_FOUND"
	case message == "report not found":
		return "MATERIAL_REPORT_NOT_FOUND"
	case message == "classification failed":
		return "MATERIAL_CLASSIFICATION_FAILED"
	case message == "storage unavailable":
		return "SYSTEM_STORAGE_ERROR"
	case message == "file too large":
		return "MATERIAL_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "MATERIAL_FILE_REQUIRED"
	case message == "invalid form data":
		return "MATERIAL_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "MATERIAL_INVALID_REQUEST"
	case message == "rate limit exceeded":
		return "RATE_LIMITED"
	case message == "not ready":
		return "SYSTEM_NOT_READY"
	}

	switch status {
	case http.StatusBadRequest:
		return "MATERIAL_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "MATERIAL_FORBIDDEN"
	case http.StatusNotFound:
		return "MATERIAL_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
