//go:build linux

// Command microvmm boots a single guest kernel under KVM and exits with
// the guest's exit code.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/exitcode"
)

func main() {
	os.Exit(int(execute(context.Background(), os.Args[1:])))
}

// execute runs the CLI and maps its outcome to a process exit code.
// Panics are reported as UnexpectedError.
func execute(ctx context.Context, args []string) (code exitcode.Code) {
	defer func() {
		if r := recover(); r != nil {
			log.G(ctx).WithField("panic", fmt.Sprint(r)).WithField("stack", string(debug.Stack())).Error("microvmm: unexpected panic")
			code = exitcode.UnexpectedError
		}
	}()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	code = exitCodeFor(err)
	if err != nil && code != exitcode.OK {
		var ee *exitError
		if !asExitError(err, &ee) {
			fmt.Fprintf(cmd.ErrOrStderr(), "microvmm: %v\n", err)
		}
	}
	return code
}
