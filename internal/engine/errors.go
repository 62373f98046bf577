package engine

import "fmt"

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedError(msg string) *AppError {
	if msg == "" {
		msg = "Missing or invalid authentication token"
	}
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	if msg == "" {
		msg = "Permission denied"
	}
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	if msg == "" {
		msg = "Conflict"
	}
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func AppNotFoundError(name string) *AppError {
	return &AppError{
		Code:    "APP_NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Unknown or inactive app: %s", name),
	}
}

func InvalidPayloadError(msg string) *AppError {
	if msg == "" {
		msg = "Malformed request body"
	}
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

func InternalError(msg string) *AppError {
	if msg == "" {
		msg = "Internal server error"
	}
	return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: msg}
}
