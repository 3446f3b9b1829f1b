package apperrors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeConfiguration          ErrorCode = "CONFIGURATION_ERROR"
	CodeSimulationReverted     ErrorCode = "SIMULATION_REVERTED"
	CodeNoSponsorshipAvailable ErrorCode = "NO_SPONSORSHIP_AVAILABLE"
	CodeSubmissionFailed       ErrorCode = "SUBMISSION_FAILED"
	CodeInclusionTimeout       ErrorCode = "INCLUSION_TIMEOUT"
	CodeBalanceInconsistency   ErrorCode = "BALANCE_INCONSISTENCY"
	CodeOperationReverted      ErrorCode = "OPERATION_REVERTED"
)

// Sentinels for errors.Is. Matching is done on Code only.
var (
	ErrConfiguration          = &Error{Code: CodeConfiguration}
	ErrSimulationReverted     = &Error{Code: CodeSimulationReverted}
	ErrNoSponsorshipAvailable = &Error{Code: CodeNoSponsorshipAvailable}
	ErrSubmissionFailed       = &Error{Code: CodeSubmissionFailed}
	ErrInclusionTimeout       = &Error{Code: CodeInclusionTimeout}
	ErrBalanceInconsistency   = &Error{Code: CodeBalanceInconsistency}
	ErrOperationReverted      = &Error{Code: CodeOperationReverted}
)

// Error is a coded error with optional details and an underlying cause
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new coded error
func New(code ErrorCode, message string, details ...map[string]interface{}) *Error {
	var detailsMap map[string]interface{}
	if len(details) > 0 {
		detailsMap = details[0]
	}

	return &Error{
		Code:    code,
		Message: message,
		Details: detailsMap,
	}
}

// Wrap attaches a cause to a new coded error
func Wrap(code ErrorCode, cause error, message string, details ...map[string]interface{}) *Error {
	e := New(code, message, details...)
	e.Cause = cause
	return e
}

func NewConfigurationError(field, reason string) *Error {
	return New(CodeConfiguration,
		fmt.Sprintf("invalid configuration %s: %s", field, reason),
		map[string]interface{}{"field": field, "reason": reason},
	)
}

// NewSimulationReverted keeps the raw revert reason reported by the bundler.
func NewSimulationReverted(reason string, cause error) *Error {
	return Wrap(CodeSimulationReverted, cause,
		"simulation reverted",
		map[string]interface{}{"reason": reason},
	)
}

func NewNoSponsorshipAvailable(token string) *Error {
	return New(CodeNoSponsorshipAvailable,
		fmt.Sprintf("no paymaster quote for token %s", token),
		map[string]interface{}{"token": token},
	)
}

func NewSubmissionFailed(method string, cause error) *Error {
	return Wrap(CodeSubmissionFailed, cause,
		fmt.Sprintf("bundler call %s failed", method),
		map[string]interface{}{"method": method},
	)
}

func NewInclusionTimeout(hash string, waited string) *Error {
	return New(CodeInclusionTimeout,
		fmt.Sprintf("operation %s not included after %s", hash, waited),
		map[string]interface{}{"hash": hash, "waited": waited},
	)
}

func NewBalanceInconsistency(ledger string, delta string) *Error {
	return New(CodeBalanceInconsistency,
		fmt.Sprintf("negative %s cost %s, balance changed outside of this flow", ledger, delta),
		map[string]interface{}{"ledger": ledger, "delta": delta},
	)
}

func NewOperationReverted(hash string, reason string) *Error {
	return New(CodeOperationReverted,
		fmt.Sprintf("operation %s was included but reverted", hash),
		map[string]interface{}{"hash": hash, "reason": reason},
	)
}

// CodeOf returns the code of the first *Error in the chain, or an empty code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Reason returns the "reason" detail of the first *Error in the chain.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return ""
	}
	if r, ok := e.Details["reason"].(string); ok {
		return r
	}
	return ""
}
