// Package api is the HTTP client surface of the clearing engine: intent
// submission, proposal reads and decisions, settlement actions and receipt
// reads. Errors are RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All API
// error responses use this format.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	// Code carries the engine error taxonomy value when the failure maps to
	// one.
	Code     string `json:"code,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://swapcycle.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteDomainError maps an engine error to its HTTP rendition. Unknown errors
// become 500 with the cause logged, never exposed.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := contracts.CodeOf(err)
	status, title := codeStatus(code)
	if status == http.StatusInternalServerError {
		logger.Error("internal error", "error", err)
		WriteError(w, status, title, "An unexpected error occurred. Please try again later.")
		return
	}
	detail := err.Error()
	var de *contracts.Error
	if errors.As(err, &de) {
		detail = de.Message
	}
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://swapcycle.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
	})
}

func codeStatus(code contracts.ErrorCode) (int, string) {
	switch code {
	case contracts.CodeValidation:
		return http.StatusBadRequest, "Bad Request"
	case contracts.CodeNotFound:
		return http.StatusNotFound, "Not Found"
	case contracts.CodeForbidden:
		return http.StatusForbidden, "Forbidden"
	case contracts.CodeConflict:
		return http.StatusConflict, "Conflict"
	case contracts.CodeExpired:
		return http.StatusGone, "Gone"
	case contracts.CodeExternalFailure:
		return http.StatusBadGateway, "Bad Gateway"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}
