package interfaces

import (
	"errors"
	"fmt"
)

// Process exit codes. External documentation references these values, so
// they must not be renumbered.
const (
	ExitFailure               = 1
	ExitPrivilege             = 10
	ExitMissingPrerequisite   = 11
	ExitInvalidDevice         = 12
	ExitRootTooLarge          = 13
	ExitEncryptedTargetExists = 14
	ExitBootModeMismatch      = 15
	ExitInvalidConfiguration  = 16
)

var (
	// ErrDeviceTimeout is returned when expected device nodes do not appear in time.
	ErrDeviceTimeout = errors.New("timed out waiting for devices")

	// ErrRecordNotFound is returned when the secret store has no record for a host.
	ErrRecordNotFound = errors.New("key record not found")

	// ErrForeignRecord is returned when a host's key record cannot be opened
	// with the host keypair.
	ErrForeignRecord = errors.New("key record is sealed to a different host key")
)

// ErrorKind classifies fatal errors.
type ErrorKind int

const (
	ConfigurationError ErrorKind = iota
	SafetyError
	InfrastructureError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration"
	case SafetyError:
		return "safety"
	case InfrastructureError:
		return "infrastructure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FatalError aborts the run with a stable exit code. Hint tells the operator
// what to do before re-running.
type FatalError struct {
	Kind ErrorKind
	Code int
	Err  error
	Hint string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ExitCode implements the urfave/cli ExitCoder contract.
func (e *FatalError) ExitCode() int {
	return e.Code
}

func NewConfigurationError(code int, err error, hint string) *FatalError {
	return &FatalError{Kind: ConfigurationError, Code: code, Err: err, Hint: hint}
}

func NewSafetyError(code int, err error, hint string) *FatalError {
	return &FatalError{Kind: SafetyError, Code: code, Err: err, Hint: hint}
}

func NewInfrastructureError(code int, err error, hint string) *FatalError {
	return &FatalError{Kind: InfrastructureError, Code: code, Err: err, Hint: hint}
}

// ExitCodeFor maps any error returned by a run to its process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Code
	}
	return ExitFailure
}
