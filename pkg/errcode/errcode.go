// Package errcode defines the structured failure codes surfaced by the
// medshare program and the ledger runtime it runs on.
//
// Every failure aborts the enclosing ledger instruction. Callers match codes
// with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errcode.ErrAddressAlreadyInUse) { ... }
package errcode

import (
	"errors"
	"fmt"
)

// Code is the numeric failure code reported to callers and to the cluster.
type Code uint32

const (
	// Runtime (system program) codes.
	AddressAlreadyInUse Code = 0

	// Account constraint codes.
	ConstraintAddress            Code = 2012
	AccountDiscriminatorMismatch Code = 3002
	IllegalOwner                 Code = 3007
	AccountNotInitialized        Code = 3012

	// Program codes.
	AbortedComputation Code = 6000
	InvalidAllergyData Code = 6001
	// ClusterNotSet is declared for wire compatibility. No code path returns it.
	ClusterNotSet Code = 6002

	// Computation queue codes.
	AlreadyInitialized       Code = 7000
	ComputationNotQueued     Code = 7001
	InvalidComputationOutput Code = 7002
)

var names = map[Code]string{
	AddressAlreadyInUse:          "AddressAlreadyInUse",
	ConstraintAddress:            "ConstraintAddress",
	AccountDiscriminatorMismatch: "AccountDiscriminatorMismatch",
	IllegalOwner:                 "IllegalOwner",
	AccountNotInitialized:        "AccountNotInitialized",
	AbortedComputation:           "AbortedComputation",
	InvalidAllergyData:           "InvalidAllergyData",
	ClusterNotSet:                "ClusterNotSet",
	AlreadyInitialized:           "AlreadyInitialized",
	ComputationNotQueued:         "ComputationNotQueued",
	InvalidComputationOutput:     "InvalidComputationOutput",
}

var messages = map[Code]string{
	AddressAlreadyInUse:          "account address already in use",
	ConstraintAddress:            "an address constraint was violated",
	AccountDiscriminatorMismatch: "account discriminator did not match",
	IllegalOwner:                 "account is not owned by the executing program",
	AccountNotInitialized:        "account is not initialized",
	AbortedComputation:           "the computation was aborted",
	InvalidAllergyData:           "invalid allergy data format",
	ClusterNotSet:                "cluster not set",
	AlreadyInitialized:           "computation definition already initialized",
	ComputationNotQueued:         "computation is not queued",
	InvalidComputationOutput:     "invalid computation output encoding",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error is a failure carrying a Code. Msg adds context; Cause, if set, is the
// lower-level error that triggered it.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s (%d): %s", e.Code, uint32(e.Code), messages[e.Code])
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an *Error for code with an optional formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error for code caused by err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf extracts the outermost code from err.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

var (
	ErrAddressAlreadyInUse          = &Error{Code: AddressAlreadyInUse}
	ErrConstraintAddress            = &Error{Code: ConstraintAddress}
	ErrAccountDiscriminatorMismatch = &Error{Code: AccountDiscriminatorMismatch}
	ErrIllegalOwner                 = &Error{Code: IllegalOwner}
	ErrAccountNotInitialized        = &Error{Code: AccountNotInitialized}
	ErrAbortedComputation           = &Error{Code: AbortedComputation}
	ErrInvalidAllergyData           = &Error{Code: InvalidAllergyData}
	ErrClusterNotSet                = &Error{Code: ClusterNotSet}
	ErrAlreadyInitialized           = &Error{Code: AlreadyInitialized}
	ErrComputationNotQueued         = &Error{Code: ComputationNotQueued}
	ErrInvalidComputationOutput     = &Error{Code: InvalidComputationOutput}
)
