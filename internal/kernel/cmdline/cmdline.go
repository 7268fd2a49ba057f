// Package cmdline builds the guest kernel command line.
package cmdline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTooLarge is returned when an insertion would exceed the capacity.
	ErrTooLarge = errors.New("command line too large")

	// ErrHasSpace is returned when a key or value contains whitespace.
	ErrHasSpace = errors.New("string contains a space")

	// ErrHasEquals is returned when a key contains '='.
	ErrHasEquals = errors.New("key contains '='")

	// ErrInvalidASCII is returned for non printable-ASCII input.
	ErrInvalidASCII = errors.New("string contains non-printable ASCII characters")

	// ErrEmptyKey is returned when inserting a parameter without a key.
	ErrEmptyKey = errors.New("empty key")
)

// Cmdline is a kernel command line bounded by a capacity that includes
// the trailing NUL byte written to guest memory.
type Cmdline struct {
	b        strings.Builder
	capacity int
}

// New returns an empty command line. capacity must be at least 1.
func New(capacity int) *Cmdline {
	if capacity < 1 {
		capacity = 1
	}
	return &Cmdline{capacity: capacity}
}

// Capacity returns the maximum size including the trailing NUL.
func (c *Cmdline) Capacity() int {
	return c.capacity
}

// Len returns the length of the command line without the trailing NUL.
func (c *Cmdline) Len() int {
	return c.b.Len()
}

func (c *Cmdline) String() string {
	return c.b.String()
}

// Bytes returns the NUL terminated command line as written to guest memory.
func (c *Cmdline) Bytes() []byte {
	return append([]byte(c.b.String()), 0)
}

// Insert appends key=val.
func (c *Cmdline) Insert(key, val string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := validKey(key); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	if err := validValue(val); err != nil {
		return fmt.Errorf("value %q: %w", val, err)
	}
	return c.append(key + "=" + val)
}

// InsertStr appends a raw fragment, which may hold several space
// separated parameters.
func (c *Cmdline) InsertStr(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !validASCII(s) {
		return fmt.Errorf("%q: %w", s, ErrInvalidASCII)
	}
	return c.append(s)
}

func (c *Cmdline) append(s string) error {
	size := len(s)
	if c.b.Len() > 0 {
		size++
	}
	// One byte is kept for the NUL terminator.
	if c.b.Len()+size >= c.capacity {
		return fmt.Errorf("adding %d bytes to %d of %d: %w", size, c.b.Len(), c.capacity, ErrTooLarge)
	}
	if c.b.Len() > 0 {
		c.b.WriteByte(' ')
	}
	c.b.WriteString(s)
	return nil
}

func validASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func validKey(s string) error {
	if err := validValue(s); err != nil {
		return err
	}
	if strings.ContainsRune(s, '=') {
		return ErrHasEquals
	}
	return nil
}

func validValue(s string) error {
	if !validASCII(s) {
		return ErrInvalidASCII
	}
	if strings.ContainsAny(s, " \t") {
		return ErrHasSpace
	}
	return nil
}
