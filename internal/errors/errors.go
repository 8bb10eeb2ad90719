// Package errors defines the vault error taxonomy.
//
// Every failure surfaced by the vault engine is a *VaultError carrying a Code.
// Callers match on codes with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errors.ErrPaused) { ... }
//
// The package re-exports Is, As and New so that importing it in place of the
// standard library keeps working.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a vault failure.
type Code string

const (
	CodeZeroAmount          Code = "ZERO_AMOUNT"
	CodeInsufficientShares  Code = "INSUFFICIENT_SHARES"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodePaused              Code = "PAUSED"
	CodeAdapterNotHealthy   Code = "ADAPTER_NOT_HEALTHY"
	CodeAdapterNotFound     Code = "ADAPTER_NOT_FOUND"
	CodeInvalidRange        Code = "INVALID_RANGE"
	CodeOverflow            Code = "OVERFLOW"
	CodeAlreadyRegistered   Code = "ALREADY_REGISTERED"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeReentrant           Code = "REENTRANT"
	CodeInternal            Code = "INTERNAL"
)

// VaultError is the concrete error type returned by vault operations.
type VaultError struct {
	Code      Code   `json:"code"`
	Op        string `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *VaultError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VaultError) Unwrap() error {
	return e.Err
}

// Is matches any *VaultError with the same code. Sentinels carry no message,
// so errors.Is(err, ErrPaused) matches every paused failure.
func (e *VaultError) Is(target error) bool {
	t, ok := target.(*VaultError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is matching.
var (
	ErrZeroAmount          = &VaultError{Code: CodeZeroAmount}
	ErrInsufficientShares  = &VaultError{Code: CodeInsufficientShares}
	ErrInsufficientBalance = &VaultError{Code: CodeInsufficientBalance}
	ErrUnauthorized        = &VaultError{Code: CodeUnauthorized}
	ErrPaused              = &VaultError{Code: CodePaused}
	ErrAdapterNotHealthy   = &VaultError{Code: CodeAdapterNotHealthy}
	ErrAdapterNotFound     = &VaultError{Code: CodeAdapterNotFound}
	ErrInvalidRange        = &VaultError{Code: CodeInvalidRange}
	ErrOverflow            = &VaultError{Code: CodeOverflow}
	ErrAlreadyRegistered   = &VaultError{Code: CodeAlreadyRegistered}
	ErrInvalidTransition   = &VaultError{Code: CodeInvalidTransition}
	ErrReentrant           = &VaultError{Code: CodeReentrant}
	ErrInternal            = &VaultError{Code: CodeInternal}
)

// =============================================================================
// Constructors
// =============================================================================

func ZeroAmount(op string) *VaultError {
	return &VaultError{Code: CodeZeroAmount, Op: op, Message: "amount must be greater than zero"}
}

func InsufficientShares(op string, held, requested uint64) *VaultError {
	return &VaultError{
		Code:    CodeInsufficientShares,
		Op:      op,
		Message: fmt.Sprintf("insufficient shares: held %d, requested %d", held, requested),
	}
}

func InsufficientBalance(op string, available, required uint64) *VaultError {
	return &VaultError{
		Code:    CodeInsufficientBalance,
		Op:      op,
		Message: fmt.Sprintf("insufficient balance: available %d, required %d", available, required),
	}
}

func Unauthorized(op, actor string) *VaultError {
	return &VaultError{Code: CodeUnauthorized, Op: op, Message: fmt.Sprintf("caller %q lacks the required role", actor)}
}

func Paused(op string) *VaultError {
	return &VaultError{Code: CodePaused, Op: op, Message: "vault is paused"}
}

// AdapterNotHealthy is retryable: health is transient.
func AdapterNotHealthy(op string, adapterID uint32, cause error) *VaultError {
	return &VaultError{
		Code:      CodeAdapterNotHealthy,
		Op:        op,
		Message:   fmt.Sprintf("adapter %d is not healthy", adapterID),
		Retryable: true,
		Err:       cause,
	}
}

func AdapterNotFound(op string, adapterID uint32) *VaultError {
	return &VaultError{Code: CodeAdapterNotFound, Op: op, Message: fmt.Sprintf("adapter %d not found", adapterID)}
}

func InvalidRange(op, message string) *VaultError {
	return &VaultError{Code: CodeInvalidRange, Op: op, Message: message}
}

func Overflow(op string) *VaultError {
	return &VaultError{Code: CodeOverflow, Op: op, Message: "arithmetic overflow"}
}

func AlreadyRegistered(op, identity string) *VaultError {
	return &VaultError{Code: CodeAlreadyRegistered, Op: op, Message: fmt.Sprintf("adapter %q already registered", identity)}
}

func InvalidTransition(op string, cause error) *VaultError {
	return &VaultError{Code: CodeInvalidTransition, Op: op, Message: "invalid state transition", Err: cause}
}

// Reentrant is retryable once the in-flight call completes.
func Reentrant(op string) *VaultError {
	return &VaultError{Code: CodeReentrant, Op: op, Message: "another vault operation is in progress", Retryable: true}
}

func Internal(op, message string, cause error) *VaultError {
	return &VaultError{Code: CodeInternal, Op: op, Message: message, Err: cause}
}

// =============================================================================
// Helpers
// =============================================================================

// GetVaultError extracts the first *VaultError in err's chain.
func GetVaultError(err error) *VaultError {
	var ve *VaultError
	if stderrors.As(err, &ve) {
		return ve
	}
	return nil
}

// CodeOf returns the code of err, or "" when err is not a vault error.
func CodeOf(err error) Code {
	if ve := GetVaultError(err); ve != nil {
		return ve.Code
	}
	return ""
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	if ve := GetVaultError(err); ve != nil {
		return ve.Retryable
	}
	return false
}

// Is wraps errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As wraps errors.As.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New wraps errors.New.
func New(text string) error { return stderrors.New(text) }

// Join wraps errors.Join.
func Join(errs ...error) error { return stderrors.Join(errs...) }
