package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
)

// ErrorResponse writes a JSON error response to the client.
//
// Quota denials and failed metered operations carry their reason in the
// body; every other error is mapped from its domain error code.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	resolved, reason := resolveError(err)

	code := domain.ErrorCode(resolved)
	message := domain.ErrorMessage(resolved)
	op := domain.ErrorOp(resolved)
	status := ErrorCodeToHTTPStatus(code)

	logError(logger, r, err, code, op, status)
	writeJSONError(w, status, code, reason, message)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EREJECTED:
		return http.StatusUnprocessableEntity // 422
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	case domain.EUPSTREAM:
		return http.StatusBadGateway // 502
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

// resolveError turns quota and store errors into domain errors and returns
// the quota reason, if any.
func resolveError(err error) (error, domain.Reason) {
	var denied *quota.DeniedError
	if errors.As(err, &denied) {
		return deniedError(denied), denied.Reason
	}

	var failed *quota.OperationError
	if errors.As(err, &failed) {
		return operationError(failed), failed.Reason
	}

	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err, ""
	case errors.Is(err, quota.ErrOrganizationNotFound):
		return domain.Errorf(domain.ENOTFOUND, "", "Workspace not found"), ""
	case errors.Is(err, quota.ErrUnavailable):
		return domain.Unavailable(err, "", ""), ""
	}
	return err, ""
}

func deniedError(e *quota.DeniedError) *domain.Error {
	const op = "quota.admit"
	switch e.Reason {
	case domain.ReasonLimitReached:
		return domain.Errorf(domain.EPAYMENT, op,
			"You have used all %s generations included in your plan for this period. Upgrade to continue.", e.Metric)
	case domain.ReasonTrialExpired:
		return domain.Errorf(domain.EPAYMENT, op, "Your free trial has ended. Choose a plan to keep generating.")
	case domain.ReasonOrganizationNotFound:
		return domain.Errorf(domain.ENOTFOUND, op, "Workspace not found")
	default:
		return domain.Unavailable(e, op, "")
	}
}

func operationError(e *quota.OperationError) *domain.Error {
	const op = "quota.operation"
	switch e.Class {
	case quota.FailurePolicy:
		return domain.Wrap(e, domain.EREJECTED, op,
			"The request was declined by the content provider. Try rephrasing it. You were not charged.")
	case quota.FailureValidation:
		return domain.Wrap(e, domain.EREJECTED, op,
			"The provider could not process this request. You were not charged.")
	case quota.FailureRateLimit:
		return domain.Wrap(e, domain.ERATELIMIT, op,
			"The generation provider is busy. Please retry in a moment. You were not charged.")
	default:
		return domain.Wrap(e, domain.EUPSTREAM, op,
			"Generation failed. You were not charged for this attempt.")
	}
}

// ValidationErrorResponse writes field-level validation errors.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		ErrorResponse(w, r, logger, err)
		return
	}

	logger.Info("validation error",
		"op", ve.Op,
		"field_count", len(ve.Fields),
		"path", r.URL.Path,
	)

	var body JSONError
	body.Error.Code = domain.EINVALID
	body.Error.Message = "Validation failed"
	body.Error.Fields = ve.Fields
	writeJSON(w, http.StatusBadRequest, body)
}

// NotFoundResponse is a convenience wrapper for 404 errors.
func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found")
	ErrorResponse(w, r, logger, err)
}

// UnauthorizedResponse is a convenience wrapper for 401 errors.
func UnauthorizedResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.EUNAUTHORIZED, "", "Authentication required")
	ErrorResponse(w, r, logger, err)
}

// ForbiddenResponse is a convenience wrapper for 403 errors.
func ForbiddenResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.EFORBIDDEN, "", "You don't have access to this workspace")
	ErrorResponse(w, r, logger, err)
}

// InternalErrorResponse logs the error and returns a generic 500 response.
// The underlying error details are hidden from the user.
func InternalErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	wrappedErr := domain.Internal(err, "", "An unexpected error occurred")
	ErrorResponse(w, r, logger, wrappedErr)
}

// logError logs the error with appropriate level based on status code.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}

	if op != "" {
		attrs = append(attrs, "op", op)
	}

	// 4xx are expected client errors
	if status >= 500 {
		logger.Error("server error", attrs...)
	} else if status >= 400 {
		logger.Info("client error", attrs...)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code string, reason domain.Reason, message string) {
	var body JSONError
	body.Error.Code = code
	body.Error.Reason = string(reason)
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("handler.decode", fmt.Sprintf("Invalid request body: %v", err))
	}
	return nil
}

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// JSONError is a typed response structure for API errors.
type JSONError struct {
	Error struct {
		Code    string            `json:"code"`
		Reason  string            `json:"reason,omitempty"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}
