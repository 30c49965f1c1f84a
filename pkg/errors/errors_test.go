package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewForbiddenError("write requires editor")
	expected := "Forbidden: write requires editor"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("connection refused")
	err := WrapError(originalErr, ErrCodeServerError, "permission lookup failed", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should find the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewForbiddenError("denied")
	err.WithContext("needed", "editor").WithContext("current", "viewer")

	if err.Context["needed"] != "editor" {
		t.Errorf("Context[needed] = %v, want 'editor'", err.Context["needed"])
	}
	if err.Context["current"] != "viewer" {
		t.Errorf("Context[current] = %v, want 'viewer'", err.Context["current"])
	}
}

func TestDocumentNotFoundCarriesID(t *testing.T) {
	err := NewDocumentNotFoundError("doc-1")
	if err.Code != ErrCodeDocumentNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDocumentNotFound)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
	if err.Context["document_id"] != "doc-1" {
		t.Errorf("Context[document_id] = %v", err.Context["document_id"])
	}
}

func TestClosesConnection(t *testing.T) {
	cases := []struct {
		err   *AppError
		close bool
	}{
		{NewUnauthorizedError("bad token"), true},
		{NewTokenExpiredError(), true},
		{NewProtocolError("auth frame expected"), true},
		{NewServerError("boom"), true},
		{NewDocumentNotFoundError("doc"), true},
		{NewPermissionRevokedError("removed"), true},
		{NewForbiddenError("viewer"), false},
		{NewRateLimitError("slow down"), false},
	}
	for _, tc := range cases {
		if got := tc.err.ClosesConnection(); got != tc.close {
			t.Errorf("%s ClosesConnection() = %v, want %v", tc.err.Code, got, tc.close)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewRateLimitError("too many frames")
	wrapped := fmt.Errorf("handle frame: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("GetAppError should return nil for non-AppError")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should return nil")
	}
}

func TestCloseCode(t *testing.T) {
	cases := []struct {
		err  *AppError
		code int
	}{
		{NewUnauthorizedError("bad token"), CloseUnauthorized},
		{NewTokenExpiredError(), CloseUnauthorized},
		{NewForbiddenError("no access"), CloseForbidden},
		{NewPermissionRevokedError("removed"), CloseForbidden},
		{NewDocumentNotFoundError("doc"), CloseNotFound},
		{NewRateLimitError("limit"), CloseRateLimited},
		{NewProtocolError("bad frame"), CloseProtocolViolation},
		{NewServerError("boom"), CloseServerError},
	}
	for _, tc := range cases {
		if got := tc.err.CloseCode(); got != tc.code {
			t.Errorf("%s CloseCode() = %d, want %d", tc.err.Code, got, tc.code)
		}
	}
}
