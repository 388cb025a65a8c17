package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeUnavailable,
				Message: "event could not be stored",
				Err:     errors.New("db error"),
			},
			wantMsg: "unavailable: event could not be stored (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
	assert.ErrorIs(t, fmt.Errorf("outer: %w", domainErr), baseErr)
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same error type", NewDomainError(ErrorTypeNotFound, "not found", nil), ErrBlockNotFound, true},
		{"different error type", NewDomainError(ErrorTypeValidation, "validation", nil), ErrBlockNotFound, false},
		{"not a domain error", NewDomainError(ErrorTypeNotFound, "not found", nil), errors.New("regular error"), false},
		{"wrapped store write", fmt.Errorf("submit: %w", WrapUnavailable("store", errors.New("x"))), ErrStoreWrite, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "validation error", nil)

	err.WithDetail("field", "tenant_id").WithDetail("value", "nope")

	assert.Equal(t, "tenant_id", err.Details["field"])
	assert.Equal(t, "nope", err.Details["value"])
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
		want    bool
	}{
		{"not found", ErrEventNotFound, IsNotFoundError, true},
		{"wrapped not found", fmt.Errorf("wrapped: %w", ErrBlockNotFound), IsNotFoundError, true},
		{"validation is not not-found", ErrInvalidInput, IsNotFoundError, false},
		{"validation", ErrInvalidTenant, IsValidationError, true},
		{"conflict", ErrSealInProgress, IsConflictError, true},
		{"unavailable", ErrStoreWrite, IsUnavailableError, true},
		{"closed ledger", ErrLedgerClosed, IsUnavailableError, true},
		{"internal", WrapInternal("load chain head", errors.New("db")), IsInternalError, true},
		{"regular error", errors.New("regular"), IsInternalError, false},
		{"nil error", nil, IsNotFoundError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.checker(tt.err))
		})
	}
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeUnavailable, GetErrorType(fmt.Errorf("x: %w", ErrStoreWrite)))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
}

func TestGetErrorDetails(t *testing.T) {
	err := NewDomainError(ErrorTypeNotFound, "block not found", nil).WithDetail("hash", "abc")

	assert.Equal(t, "abc", GetErrorDetails(err)["hash"])
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("disk full")

	assert.True(t, IsInternalError(WrapInternal("seal failed", base)))
	assert.True(t, IsUnavailableError(WrapUnavailable("append failed", base)))
	assert.True(t, IsConflictError(WrapError(ErrorTypeConflict, "fork", base)))
	assert.ErrorIs(t, WrapInternal("seal failed", base), base)
}
