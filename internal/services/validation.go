package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/ruralpay/ledger/internal/models"
)

// Response is the envelope of every API response
type Response struct {
	Status     string             `json:"status"`               // "success" or "error"
	Message    string             `json:"message"`              // Human readable outcome
	Data       any                `json:"data,omitempty"`       // Payload on success
	Pagination *models.Pagination `json:"pagination,omitempty"` // Set on list responses
	Error      string             `json:"error,omitempty"`      // Stable error kind
	Details    map[string]string  `json:"details,omitempty"`    // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendSuccessResponse sends a JSON success envelope
func SendSuccessResponse(w http.ResponseWriter, message string, statusCode int, data any, pagination *models.Pagination) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Response{
		Status:     "success",
		Message:    message,
		Data:       data,
		Pagination: pagination,
	})
}

// SendErrorResponse sends a JSON error envelope. kind may be empty.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, kind models.ErrorKind, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := Response{Status: "error", Message: message, Error: string(kind)}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}
