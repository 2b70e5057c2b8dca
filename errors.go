package permitpay

import (
	"errors"
	"fmt"
)

// SettlementError represents a settlement-specific error
type SettlementError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Settlement error codes
const (
	ErrCodeInvalidRecipient      = "invalid_recipient"
	ErrCodeInvalidAmount         = "invalid_amount"
	ErrCodeIncorrectValue        = "incorrect_value_supplied"
	ErrCodeInvalidPermit         = "invalid_permit"
	ErrCodePermitExpired         = "permit_expired"
	ErrCodeNonceUsed             = "nonce_used"
	ErrCodeFeeExceedsMaximum     = "fee_exceeds_maximum"
	ErrCodeInsufficientBalance   = "insufficient_balance"
	ErrCodeInsufficientAllowance = "insufficient_token_allowance"
	ErrCodeFeeTransferFailed     = "fee_transfer_failed"
	ErrCodeTransferFailed        = "transfer_failed"
	ErrCodeSettlementAborted     = "settlement_aborted"
	ErrCodeUnauthorizedOwner     = "unauthorized_owner"
	ErrCodeInvalidConfig         = "invalid_config"
	ErrCodeLedgerUnavailable     = "ledger_unavailable"
)

// ErrorClass groups settlement error codes by who can correct them and
// whether any state was mutated. Validation, authorization and policy
// failures never mutate state; resource failures may occur after the
// nonce was provisionally consumed and always unwind completely.
type ErrorClass string

const (
	ClassValidation    ErrorClass = "validation"
	ClassAuthorization ErrorClass = "authorization"
	ClassPolicy        ErrorClass = "policy"
	ClassResource      ErrorClass = "resource"
	ClassInternal      ErrorClass = "internal"
)

var errorClasses = map[string]ErrorClass{
	ErrCodeInvalidRecipient:      ClassValidation,
	ErrCodeInvalidAmount:         ClassValidation,
	ErrCodeIncorrectValue:        ClassValidation,
	ErrCodeInvalidPermit:         ClassAuthorization,
	ErrCodePermitExpired:         ClassAuthorization,
	ErrCodeNonceUsed:             ClassAuthorization,
	ErrCodeFeeExceedsMaximum:     ClassPolicy,
	ErrCodeInsufficientBalance:   ClassResource,
	ErrCodeInsufficientAllowance: ClassResource,
	ErrCodeFeeTransferFailed:     ClassResource,
	ErrCodeTransferFailed:        ClassResource,
	ErrCodeSettlementAborted:     ClassPolicy,
	ErrCodeUnauthorizedOwner:     ClassAuthorization,
	ErrCodeInvalidConfig:         ClassValidation,
	ErrCodeLedgerUnavailable:     ClassInternal,
}

// Class reports the taxonomy class of the error's code.
func (e *SettlementError) Class() ErrorClass {
	if c, ok := errorClasses[e.Code]; ok {
		return c
	}
	return ClassInternal
}

// NewSettlementError creates a new settlement error
func NewSettlementError(code, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the settlement error code from err, or "" if err is not
// a SettlementError.
func CodeOf(err error) string {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err is a SettlementError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
