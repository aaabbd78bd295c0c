package app

import (
	"errors"
	"fmt"
	"net/http"

	"dialectic/api/internal/auth"
	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/ingest"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var sentinelErrors = []struct {
	err    error
	status int
	code   string
}{
	{dialectic.ErrConflictNotFound, http.StatusNotFound, "CONFLICT_NOT_FOUND"},
	{dialectic.ErrConflictResolved, http.StatusConflict, "CONFLICT_RESOLVED"},
	{dialectic.ErrInvalidOption, http.StatusBadRequest, "INVALID_OPTION"},
	{dialectic.ErrReasoningRequired, http.StatusBadRequest, "REASONING_REQUIRED"},
	{dialectic.ErrEmptyQuestion, http.StatusBadRequest, "QUESTION_REQUIRED"},
	{ingest.ErrMissingFilename, http.StatusBadRequest, "FILENAME_REQUIRED"},
	{ingest.ErrEmptyDocument, http.StatusBadRequest, "EMPTY_DOCUMENT"},
	{ingest.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_DOCUMENT"},
	{ingest.ErrTooLarge, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, sentinel := range sentinelErrors {
		if errors.Is(err, sentinel.err) {
			return sentinel.status, sentinel.code, sentinel.err.Error(), nil
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
