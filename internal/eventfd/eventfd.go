//go:build linux

// Package eventfd wraps the Linux eventfd(2) counter used to signal
// between vCPU goroutines, devices and the event loop.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EventFd is a 64-bit eventfd counter.
type EventFd struct {
	fd   int
	once sync.Once
}

// New creates a new eventfd with the given flags (unix.EFD_NONBLOCK, ...).
// EFD_CLOEXEC is always set.
func New(flags int) (*EventFd, error) {
	fd, err := unix.Eventfd(0, flags|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the raw file descriptor.
func (e *EventFd) Fd() int {
	return e.fd
}

// Write adds v to the counter.
func (e *EventFd) Write(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("eventfd write: %w", err)
		}
		return nil
	}
}

// Read returns the counter value and resets it to zero.
// On a non-blocking eventfd with a zero counter it returns unix.EAGAIN.
func (e *EventFd) Read() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("eventfd read: %w", err)
		}
		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

// TryClone duplicates the underlying descriptor.
func (e *EventFd) TryClone() (*EventFd, error) {
	fd, err := unix.FcntlInt(uintptr(e.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("eventfd dup: %w", err)
	}
	return &EventFd{fd: fd}, nil
}

// Close closes the descriptor. It is safe to call more than once.
func (e *EventFd) Close() error {
	var err error
	e.once.Do(func() {
		err = unix.Close(e.fd)
	})
	return err
}
