//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/microvmm/internal/boltstore"
	"github.com/aledbf/microvmm/internal/bootlog"
	"github.com/aledbf/microvmm/internal/exitcode"
	"github.com/aledbf/microvmm/internal/version"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want exitcode.Code
	}{
		{"nil", nil, exitcode.OK},
		{"guest exit code", fmt.Errorf("run: %w", &exitError{code: exitcode.SIGBUS}), exitcode.SIGBUS},
		{"configuration", fmt.Errorf("%w: missing kernel", errBadConfiguration), exitcode.BadConfiguration},
		{"arguments", fmt.Errorf("%w: unknown flag", errArgParsing), exitcode.ArgParsing},
		{"anything else", errors.New("boom"), exitcode.GenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestExecute_ExitCodes(t *testing.T) {
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "missing.json")

	tests := []struct {
		name string
		args []string
		want exitcode.Code
	}{
		{"version", []string{"version"}, exitcode.OK},
		{"unknown flag", []string{"--bogus"}, exitcode.ArgParsing},
		{"unknown command", []string{"boot"}, exitcode.ArgParsing},
		{"extra argument", []string{"version", "extra"}, exitcode.ArgParsing},
		{"bad log level", []string{"--log-level", "loud", "version"}, exitcode.ArgParsing},
		{"missing config", []string{"run", "--config", missing}, exitcode.BadConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, execute(ctx, tt.args))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "microvmm "+version.Short())
}

func TestVersionCommand_Short(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--short"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, version.Short()+"\n", out.String())
}

func TestExitError(t *testing.T) {
	err := &exitError{code: exitcode.BadSyscall}
	assert.Equal(t, "guest exited with bad_syscall (148)", err.Error())
}

func TestBootsCommand(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "bootlog.db")

	store, err := boltstore.OpenBolt[bootlog.Record](db, bootlog.Bucket)
	require.NoError(t, err)
	booted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exited := booted.Add(time.Minute)
	require.NoError(t, store.Put(ctx, "a", &bootlog.Record{
		InstanceID: "a", PID: 10, Kernel: "/boot/vmlinux", Vcpus: 2, MemoryMiB: 256,
		BootedAt: booted, ExitedAt: &exited,
	}))
	require.NoError(t, store.Put(ctx, "b", &bootlog.Record{
		InstanceID: "b", PID: 11, Kernel: "/boot/vmlinux", Vcpus: 1, MemoryMiB: 128,
		BootedAt: booted,
	}))
	require.NoError(t, store.Close())

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"boots", "--db", db})
	require.NoError(t, cmd.ExecuteContext(ctx))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "INSTANCE")
	assert.Contains(t, string(lines[1]), "2026-03-01T10:01:00Z")
	assert.Contains(t, string(lines[1]), "256MiB")
	fields := bytes.Fields(lines[2])
	require.Len(t, fields, 7)
	assert.Equal(t, "b", string(fields[0]))
	assert.Equal(t, "-", string(fields[5]), "run still in progress")
}
