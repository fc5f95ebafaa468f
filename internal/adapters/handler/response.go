package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := APIResponse{
		Success: status >= 200 && status < 300,
	}

	if response.Success {
		response.Data = data
	} else if apiErr, ok := data.(*APIError); ok {
		response.Error = apiErr
	}

	_ = json.NewEncoder(w).Encode(response)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState, domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindExternalRail:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error", "error", err)
		respondWithJSON(w, http.StatusInternalServerError, &APIError{
			Code:    "INTERNAL_ERROR",
			Message: "internal error",
		})
		return
	}

	status := statusFor(domainErr.Kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", domainErr.Code, "error", err)
	}
	respondWithJSON(w, status, &APIError{
		Code:    domainErr.Code,
		Message: domainErr.Message,
	})
}

func invalidInput(message string) error {
	return domain.NewValidationError(domain.ErrCodeInvalidInput, message)
}
