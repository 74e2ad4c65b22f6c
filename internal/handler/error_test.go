package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) JSONError {
	t.Helper()
	var body JSONError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// =============================================================================
// Quota error mapping
// =============================================================================

func TestErrorResponse_QuotaErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantReason domain.Reason
	}{
		{
			name:       "limit reached",
			err:        &quota.DeniedError{Reason: domain.ReasonLimitReached, Metric: domain.MetricTemplate},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   domain.EPAYMENT,
			wantReason: domain.ReasonLimitReached,
		},
		{
			name:       "trial expired",
			err:        &quota.DeniedError{Reason: domain.ReasonTrialExpired, Metric: domain.MetricImage},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   domain.EPAYMENT,
			wantReason: domain.ReasonTrialExpired,
		},
		{
			name:       "organization not found",
			err:        &quota.DeniedError{Reason: domain.ReasonOrganizationNotFound, Metric: domain.MetricImage},
			wantStatus: http.StatusNotFound,
			wantCode:   domain.ENOTFOUND,
			wantReason: domain.ReasonOrganizationNotFound,
		},
		{
			name:       "store unavailable",
			err:        &quota.DeniedError{Reason: domain.ReasonProviderUnavailable, Metric: domain.MetricImage, Err: quota.ErrUnavailable},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   domain.EUNAVAILABLE,
			wantReason: domain.ReasonProviderUnavailable,
		},
		{
			name:       "content policy",
			err:        &quota.OperationError{Reason: domain.ReasonOperationRejected, Class: quota.FailurePolicy, Err: errors.New("refused")},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonOperationRejected,
		},
		{
			name:       "provider validation",
			err:        &quota.OperationError{Reason: domain.ReasonOperationRejected, Class: quota.FailureValidation, Err: errors.New("bad")},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonOperationRejected,
		},
		{
			name:       "provider rate limit",
			err:        &quota.OperationError{Reason: domain.ReasonOperationError, Class: quota.FailureRateLimit, Err: errors.New("429")},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   domain.ERATELIMIT,
			wantReason: domain.ReasonOperationError,
		},
		{
			name:       "transient",
			err:        &quota.OperationError{Reason: domain.ReasonOperationError, Class: quota.FailureTransient, Err: errors.New("timeout")},
			wantStatus: http.StatusBadGateway,
			wantCode:   domain.EUPSTREAM,
			wantReason: domain.ReasonOperationError,
		},
		{
			name:       "wrapped denial",
			err:        fmt.Errorf("generate: %w", &quota.DeniedError{Reason: domain.ReasonLimitReached, Metric: domain.MetricImage}),
			wantStatus: http.StatusPaymentRequired,
			wantCode:   domain.EPAYMENT,
			wantReason: domain.ReasonLimitReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/organizations/x/templates", nil)
			rec := httptest.NewRecorder()

			ErrorResponse(rec, req, testLogger(), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, string(tt.wantReason), body.Error.Reason)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestErrorResponse_StoreSentinels(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), testLogger(),
		fmt.Errorf("store.get_organization: %w", quota.ErrOrganizationNotFound))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	ErrorResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), testLogger(),
		fmt.Errorf("store.create_organization: %w: connection refused", quota.ErrUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestErrorResponse_LimitMessageNamesMetric(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorResponse(rec, httptest.NewRequest(http.MethodPost, "/", nil), testLogger(),
		&quota.DeniedError{Reason: domain.ReasonLimitReached, Metric: domain.MetricImage})

	body := decodeError(t, rec)
	assert.Contains(t, body.Error.Message, "image")
	assert.NotContains(t, body.Error.Message, "quota denied")
}

// =============================================================================
// Error Response Tests - Security Focus
// =============================================================================

func TestValidationErrorResponse_DoesNotExposeOperationName(t *testing.T) {
	ve := domain.NewValidationError("OrganizationService.Create", "name", "Name is required")

	req := httptest.NewRequest("POST", "/api/organizations", nil)
	rec := httptest.NewRecorder()

	ValidationErrorResponse(rec, req, testLogger(), ve)

	body := rec.Body.String()

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if strings.Contains(body, "OrganizationService") {
		t.Errorf("JSON response exposes internal operation name: %s", body)
	}
	if !strings.Contains(body, "name") {
		t.Errorf("JSON response should contain field name: %s", body)
	}
	if !strings.Contains(body, "Name is required") {
		t.Errorf("JSON response should contain field message: %s", body)
	}
}

func TestValidationErrorResponse_FallsBackForOtherErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationErrorResponse(rec, httptest.NewRequest("POST", "/", nil), testLogger(), domain.Invalid("op", "bad"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad", decodeError(t, rec).Error.Message)
}

func TestErrorResponse_InternalErrorHidesDetails(t *testing.T) {
	sensitiveErr := &mockDatabaseError{message: "connection to 192.168.1.100:5432 refused"}
	internalErr := domain.Internal(sensitiveErr, "DB.Connect", "Failed to connect")

	req := httptest.NewRequest("GET", "/api/organizations", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, testLogger(), internalErr)

	body := rec.Body.String()

	if strings.Contains(body, "192.168") {
		t.Errorf("JSON response exposes IP address: %s", body)
	}
	if strings.Contains(body, "5432") {
		t.Errorf("JSON response exposes port number: %s", body)
	}
	if strings.Contains(body, "DB.Connect") {
		t.Errorf("JSON response exposes internal operation: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Errorf("JSON response should contain generic error, got: %s", body)
	}
}

func TestErrorResponse_UnwrappedErrorReturnsGeneric(t *testing.T) {
	rawErr := &mockDatabaseError{message: "FATAL: password authentication failed for user \"postgres\""}

	req := httptest.NewRequest("GET", "/data", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, testLogger(), rawErr)

	body := rec.Body.String()

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(body, "FATAL") {
		t.Errorf("response exposes raw error: %s", body)
	}
	if strings.Contains(body, "postgres") {
		t.Errorf("response exposes database user: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Errorf("response should contain generic message, got: %s", body)
	}
}

func TestErrorResponse_OperationErrorHidesProviderDetails(t *testing.T) {
	err := &quota.OperationError{
		Reason: domain.ReasonOperationError,
		Class:  quota.FailureTransient,
		Err:    errors.New("anthropic: 529 overloaded_error sk-ant-123"),
	}

	rec := httptest.NewRecorder()
	ErrorResponse(rec, httptest.NewRequest("POST", "/", nil), testLogger(), err)

	assert.NotContains(t, rec.Body.String(), "sk-ant")
	assert.NotContains(t, rec.Body.String(), "overloaded")
}

// mockDatabaseError simulates a database error for testing
type mockDatabaseError struct {
	message string
}

func (e *mockDatabaseError) Error() string {
	return e.message
}
