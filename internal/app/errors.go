package app

import (
	"fmt"
	"net/http"
	"strings"
)

// DomainError is the error shape every handler renders: a transport
// status plus a stable machine code. Details carries per-field validation
// messages when present.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

func missingFields(details any) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", "missing required fields", details)
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func duplicateTitle(title string) *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_TITLE",
		fmt.Sprintf("a project titled %q already exists", title), nil)
}

func duplicateEmail(email string) *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_EMAIL",
		fmt.Sprintf("a user with email %q already exists", email), nil)
}

// projectConflict maps a unique-index violation to the user-facing
// conflict. The server reports the violated index by name, which is how
// a repo collision is told apart from a title race lost after pre-check.
func projectConflict(err error, title string) *DomainError {
	if err != nil && strings.Contains(err.Error(), "repo") {
		return domainError(http.StatusConflict, "DUPLICATE_REPO",
			"another project already links that repository", nil)
	}
	return duplicateTitle(title)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func noChanges() *DomainError {
	return domainError(http.StatusUnprocessableEntity, "NO_CHANGES_MADE",
		"update contains no changes", nil)
}

func internalError(err error) *DomainError {
	return &DomainError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal error",
		Err:     err,
	}
}
