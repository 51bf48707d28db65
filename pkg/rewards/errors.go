package rewards

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the rewards services.
var (
	ErrNotFound            = errors.New("not found")
	ErrExpired             = errors.New("transaction expired")
	ErrInvalidCode         = errors.New("invalid confirmation code")
	ErrExceedsBalance      = errors.New("selection exceeds available balance")
	ErrExceedsCap          = errors.New("selection exceeds flow cap")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrTransactionClosed   = errors.New("transaction closed")
	ErrMerchantInactive    = errors.New("merchant inactive")
	ErrSettlementExists    = errors.New("settlement already exists")
	ErrChargeDeclined      = errors.New("card charge declined")

	ErrInvalidMerchantID    = errors.New("invalid merchant id")
	ErrInvalidCustomerID    = errors.New("invalid customer id")
	ErrInvalidTerminalID    = errors.New("invalid terminal id")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidCapFraction   = errors.New("invalid cap fraction")
	ErrInvalidCashbackPct   = errors.New("invalid cashback percentage")
	ErrInvalidStatus        = errors.New("invalid transaction status")
	ErrInvalidEventType     = errors.New("invalid credit event type")
	ErrInvalidFlowConfig    = errors.New("invalid flow config")
	ErrInvalidPeriod        = errors.New("invalid settlement period")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
