// Package exitcode defines the process exit codes of the VMM. The numeric
// values are part of the external contract and must not change.
package exitcode

import "fmt"

// Code is a process exit code.
type Code uint8

const (
	// OK is returned on a clean guest shutdown.
	OK Code = 0
	// GenericError is returned on any error not covered by a more specific code.
	GenericError Code = 1
	// UnexpectedError is returned when the VMM hits a condition it did not expect, such as a panic.
	UnexpectedError Code = 2
	// BadSyscall is returned when a seccomp filter traps a disallowed syscall (SIGSYS).
	BadSyscall Code = 148
	// SIGBUS is returned when the process receives SIGBUS.
	SIGBUS Code = 149
	// SIGSEGV is returned when the process receives SIGSEGV.
	SIGSEGV Code = 150
	// BadConfiguration is returned when the configuration cannot be loaded or is invalid.
	BadConfiguration Code = 152
	// ArgParsing is returned when the command line cannot be parsed.
	ArgParsing Code = 153
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case GenericError:
		return "generic_error"
	case UnexpectedError:
		return "unexpected_error"
	case BadSyscall:
		return "bad_syscall"
	case SIGBUS:
		return "sigbus"
	case SIGSEGV:
		return "sigsegv"
	case BadConfiguration:
		return "bad_configuration"
	case ArgParsing:
		return "arg_parsing"
	default:
		return fmt.Sprintf("exit_code(%d)", uint8(c))
	}
}
