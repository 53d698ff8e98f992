// Package apperr carries the user-visible error taxonomy: every failure that
// reaches a client is reported as {message, code} with a matching HTTP status.
package apperr

import (
	"errors"
	"net/http"
)

// Kind groups codes that share an HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindInsufficientFunds
	KindConflict
	KindProviderUnavailable
	KindReconciliationMismatch
)

// Error is a coded failure. Two Errors match under errors.Is when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap attaches a cause while keeping the code of e.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

// WithMessage keeps the code of e but replaces the client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: e.Err}
}

var (
	ErrInvalidAmount          = &Error{Kind: KindValidation, Code: "INVALID_AMOUNT", Message: "amount must be positive"}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Code: "INSUFFICIENT_BALANCE", Message: "insufficient balance"}
	ErrWalletNotFound         = &Error{Kind: KindNotFound, Code: "WALLET_NOT_FOUND", Message: "wallet not found"}
	ErrTransactionNotFound    = &Error{Kind: KindNotFound, Code: "TRANSACTION_NOT_FOUND", Message: "transaction not found"}
	ErrProjectNotFound        = &Error{Kind: KindNotFound, Code: "PROJECT_NOT_FOUND", Message: "project not found"}
	ErrMilestoneNotFound      = &Error{Kind: KindNotFound, Code: "MILESTONE_NOT_FOUND", Message: "milestone not found"}
	ErrForbidden              = &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "not allowed"}
	ErrInvalidState           = &Error{Kind: KindValidation, Code: "INVALID_STATE", Message: "operation not allowed in current state"}
	ErrConcurrencyConflict    = &Error{Kind: KindConflict, Code: "CONCURRENT_UPDATE", Message: "concurrent update, please retry"}
	ErrRequestInProgress      = &Error{Kind: KindConflict, Code: "REQUEST_IN_PROGRESS", Message: "a request with this idempotency key is still being processed"}
	ErrIdempotencyMismatch    = &Error{Kind: KindValidation, Code: "IDEMPOTENCY_KEY_MISMATCH", Message: "idempotency key was already used with a different request body"}
	ErrIdempotencyKeyRequired = &Error{Kind: KindValidation, Code: "IDEMPOTENCY_KEY_REQUIRED", Message: "Idempotency-Key header must be a UUID"}
	ErrNotRefundable          = &Error{Kind: KindValidation, Code: "NOT_REFUNDABLE", Message: "transaction is not eligible for refund"}
	ErrProviderUnavailable    = &Error{Kind: KindProviderUnavailable, Code: "PROVIDER_UNAVAILABLE", Message: "payment provider unavailable"}
	ErrReconciliationMismatch = &Error{Kind: KindReconciliationMismatch, Code: "RECONCILIATION_MISMATCH", Message: "callback does not match a pending transaction"}
	ErrUnauthorized           = &Error{Kind: KindForbidden, Code: "UNAUTHORIZED", Message: "authentication required"}
	ErrInternal               = &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "internal server error"}
)

// Validation builds an ad-hoc validation failure.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Status maps err onto an HTTP status code.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		if e.Code == ErrIdempotencyMismatch.Code {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		if e.Code == ErrUnauthorized.Code {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindReconciliationMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Body is the failure envelope; internal errors never leak their cause.
func Body(err error) map[string]interface{} {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		e = ErrInternal
	}
	return map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"message": e.Message,
			"code":    e.Code,
		},
	}
}
