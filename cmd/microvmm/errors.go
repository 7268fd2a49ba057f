//go:build linux

package main

import (
	"errors"
	"fmt"

	"github.com/aledbf/microvmm/internal/exitcode"
)

var (
	// errBadConfiguration marks configuration load and validation failures.
	errBadConfiguration = errors.New("bad configuration")

	// errArgParsing marks flag and argument errors.
	errArgParsing = errors.New("invalid arguments")
)

// exitError carries the exit code the guest stopped with.
type exitError struct {
	code exitcode.Code
}

func (e *exitError) Error() string {
	return fmt.Sprintf("guest exited with %s (%d)", e.code, uint8(e.code))
}

func asExitError(err error, target **exitError) bool {
	return errors.As(err, target)
}

func exitCodeFor(err error) exitcode.Code {
	var ee *exitError
	switch {
	case err == nil:
		return exitcode.OK
	case asExitError(err, &ee):
		return ee.code
	case errors.Is(err, errBadConfiguration):
		return exitcode.BadConfiguration
	case errors.Is(err, errArgParsing):
		return exitcode.ArgParsing
	default:
		return exitcode.GenericError
	}
}
