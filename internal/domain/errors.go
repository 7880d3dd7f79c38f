package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Application errors
var (
	// ErrNotFound record not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate record already exists
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput invalid input data
	ErrInvalidInput = errors.New("invalid input data")

	// ErrExternalServiceUnavailable external service unavailable
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrWebhookValidationFailed webhook signature could not be verified
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrCouponNotFound no coupon matches the code
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrCouponExpired coupon exists but can no longer be redeemed
	ErrCouponExpired = errors.New("coupon expired")
)

// Stable rejection codes returned to callers.
const (
	CodeInvalidTenantID        = "INVALID_TENANT_ID"
	CodeMissingFields          = "MISSING_FIELDS"
	CodeInvalidPlan            = "INVALID_PLAN"
	CodeInvalidCycle           = "INVALID_CYCLE"
	CodeUnknownTenant          = "UNKNOWN_TENANT"
	CodeTenantExists           = "TENANT_EXISTS"
	CodeNoExternalSubscription = "NO_EXTERNAL_SUBSCRIPTION"
	CodeSubscriptionNotActive  = "SUBSCRIPTION_NOT_ACTIVE"
	CodeNoOp                   = "NO_OP"
	CodePriceNotConfigured     = "PRICE_NOT_CONFIGURED"
	CodeMissingEmail           = "MISSING_EMAIL"
	CodeAlreadyActive          = "ALREADY_ACTIVE"
	CodeInvalidCoupon          = "INVALID_COUPON"
	CodeExpiredCoupon          = "EXPIRED_COUPON"
	CodeProviderError          = "PROVIDER_ERROR"
	CodeStoreError             = "STORE_ERROR"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
)

// SubscriptionError is a user visible rejection with a stable code.
type SubscriptionError struct {
	Code        string
	Message     string
	TenantID    string
	StatusCode  int
	OriginalErr error
}

// Error implements the error interface
func (e *SubscriptionError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("subscription error [%s]: %s: %v (tenant_id: %s)", e.Code, e.Message, e.OriginalErr, e.TenantID)
	}
	return fmt.Sprintf("subscription error [%s]: %s (tenant_id: %s)", e.Code, e.Message, e.TenantID)
}

// Unwrap returns the original error
func (e *SubscriptionError) Unwrap() error {
	return e.OriginalErr
}

// NewSubscriptionError creates a new subscription error
func NewSubscriptionError(code, message, tenantID string, statusCode int, err error) *SubscriptionError {
	return &SubscriptionError{
		Code:        code,
		Message:     message,
		TenantID:    tenantID,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}

// Reject builds a SubscriptionError with the HTTP status conventionally used for code.
func Reject(code, tenantID, message string) *SubscriptionError {
	return NewSubscriptionError(code, message, tenantID, StatusForCode(code), nil)
}

// StatusForCode maps a rejection code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeUnknownTenant:
		return http.StatusNotFound
	case CodeAlreadyActive, CodeTenantExists:
		return http.StatusConflict
	case CodePriceNotConfigured, CodeStoreError:
		return http.StatusInternalServerError
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeInvalidSignature:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

// CodeOf extracts the rejection code of err, or "" when err is not a SubscriptionError.
func CodeOf(err error) string {
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		return subErr.Code
	}
	return ""
}

// ExternalServiceError is a failure of a remote collaborator
type ExternalServiceError struct {
	Service     string
	Operation   string
	Code        string
	Message     string
	StatusCode  int
	Retryable   bool
	OriginalErr error
}

// Error implements the error interface
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s service error [%s] during %s: %s: %v", e.Service, e.Code, e.Operation, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s service error [%s] during %s: %s", e.Service, e.Code, e.Operation, e.Message)
}

// Unwrap returns the original error
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// Is matches ErrExternalServiceUnavailable for retryable failures.
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalServiceUnavailable && e.Retryable
}

// NewExternalServiceError creates a new external service error
func NewExternalServiceError(service, operation, code, message string, statusCode int, retryable bool, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Operation:   operation,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		Retryable:   retryable,
		OriginalErr: err,
	}
}

// IsRetryable reports whether err is a transient external failure worth retrying.
func IsRetryable(err error) bool {
	var extErr *ExternalServiceError
	return errors.As(err, &extErr) && extErr.Retryable
}

// NotFoundError is a "not found" failure for a specific entity
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// DuplicateError is a uniqueness violation
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

// Error implements the error interface
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Entity, e.Field, e.Value)
}

// Is matches ErrDuplicate
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewDuplicateError creates a new duplicate error
func NewDuplicateError(entity, field, value string) *DuplicateError {
	return &DuplicateError{
		Entity: entity,
		Field:  field,
		Value:  value,
	}
}
