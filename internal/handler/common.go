package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"peer-transfers/internal/auth"
	"peer-transfers/internal/errors"
)

// retryAfterSeconds is advertised on busy responses.
const retryAfterSeconds = "1"

var validate = validator.New()

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	if appErr.Retryable() {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

// handleError writes err, hiding anything that is not an AppError behind a
// generic storage failure.
func handleError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		writeError(w, appErr)
		return
	}
	writeError(w, errors.NewAppError(errors.StorageFailure, "an unexpected error occurred"))
}

// WriteUnauthorized is used by the auth middleware.
func WriteUnauthorized(w http.ResponseWriter) {
	writeError(w, errors.ErrUnauthorized)
}

func decodeBody(r *http.Request, dst interface{}) *errors.AppError {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return validateRequest(dst)
}

func validateRequest(obj interface{}) *errors.AppError {
	err := validate.Struct(obj)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.ErrInvalidInput.WithDetails(err.Error())
	}

	details := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, fieldName(fe)+": "+validationMessage(fe))
	}
	return errors.ErrInvalidInput.WithDetails(strings.Join(details, "; "))
}

func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "ReceiverID":
		return "receiver_id"
	case "AccountID":
		return "account_id"
	case "DisplayName":
		return "display_name"
	case "InitialBalance":
		return "initial_balance"
	default:
		return strings.ToLower(fe.Field())
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	default:
		return "is invalid"
	}
}

func callerID(r *http.Request) (uuid.UUID, *errors.AppError) {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok || id == uuid.Nil {
		return uuid.Nil, errors.ErrUnauthorized
	}
	return id, nil
}
