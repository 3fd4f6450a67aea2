package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrClassificationFailed means the classifier output could not be used;
	// the caller should fill in the form manually.
	ErrClassificationFailed = errors.New("classification failed")
	// ErrAlreadyReported is informational: the user already reported the material.
	ErrAlreadyReported = errors.New("already reported")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("material not found")
	ErrReportNotFound  = errors.New("report not found")
)

// ValidationError lists user-correctable field problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// DuplicateContentError points at the material that already holds the bytes.
type DuplicateContentError struct {
	MaterialID string
	Title      string

	blobPath string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: already published as %s", e.MaterialID)
}

// StorageError wraps a blob or row failure. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
