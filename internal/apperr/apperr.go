package apperr

import (
	"errors"
	"fmt"
)

// Category buckets match the leading digit of the stable error codes.
type Category string

const (
	CategoryData       Category = "data"
	CategoryValidation Category = "validation"
	CategoryCarrier    Category = "carrier"
	CategorySystem     Category = "system"
	CategoryAuth       Category = "auth"
)

// Stable, machine-readable error codes. Codes are append-only; never
// renumber an existing code.
const (
	// Data (E-1xxx)
	CodeMissingRequiredField = "E-1001"
	CodeEmptyDataset         = "E-1002"
	CodeWrongFieldType       = "E-1003"

	// Validation (E-2xxx)
	CodeInvalidZip              = "E-2001"
	CodeInvalidState            = "E-2002"
	CodeInvalidPhone            = "E-2003"
	CodeInvalidWeight           = "E-2004"
	CodeAddressTooLong          = "E-2005"
	CodeInternationalMissing    = "E-2013"
	CodeInvalidHSCode           = "E-2014"
	CodeUnsupportedLane         = "E-2015"
	CodeAmbiguousBilling        = "E-2016"
	CodeStructuralFieldRequired = "E-2020"

	// Filter layer (E-2030..E-2043), surfaced from the command resolver.
	CodeFilterUnparseable    = "E-2030"
	CodeFilterUnknownColumn  = "E-2031"
	CodeFilterUnsafe         = "E-2032"
	CodeFilterNoMatches      = "E-2040"
	CodeFilterSourceMismatch = "E-2043"

	// Carrier (E-3xxx)
	CodeCarrierUnavailable      = "E-3001"
	CodeCarrierRateLimited      = "E-3002"
	CodeCarrierAddressRejected  = "E-3003"
	CodeCarrierServiceNotAvail  = "E-3004"
	CodeCarrierCustomsRejected  = "E-3005"
	CodeCarrierUnknown          = "E-3006"
	CodeCarrierShipmentNotFound = "E-3007"

	// System (E-4xxx)
	CodeStoreError      = "E-4001"
	CodeFilesystemError = "E-4002"
	CodeMappingError    = "E-4003"
	CodeSourceSignature = "E-4004"

	// Auth (E-5xxx)
	CodeCarrierAuthFailed = "E-5001"
	CodeTokenExpired      = "E-5002"
)

type AppError struct {
	Code        string
	Message     string
	Remediation string
	Category    Category
	// Column names the offending source column when the error is tied to
	// one; empty otherwise.
	Column string
	cause  error
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) WithCause(err error) *AppError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.cause = err
	return &cp
}

func (e *AppError) WithColumn(col string) *AppError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Column = col
	return &cp
}

func New(category Category, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: category}
}

func Data(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: CategoryData}
}

func Validation(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: CategoryValidation}
}

func Carrier(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: CategoryCarrier}
}

func System(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: CategorySystem}
}

func Auth(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Category: CategoryAuth}
}

// From pulls an *AppError out of an error chain, wrapping unknown errors
// as an unknown-system error so every recorded error carries a stable code.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return System(CodeStoreError, "internal error").WithCause(err)
}

// CodeOf returns the stable code for err, or empty for nil.
func CodeOf(err error) string {
	ae := From(err)
	if ae == nil {
		return ""
	}
	return ae.Code
}
