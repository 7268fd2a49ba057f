// Package terminal switches the controlling terminal between the raw mode
// used to forward keystrokes to the guest console and canonical mode.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/console"
)

// Terminal is the terminal capability used by the VMM on exit.
type Terminal interface {
	SetCanonicalMode() error
}

// Console is the host terminal attached to a file, normally stdin. When the
// file is not a terminal every operation is a no-op.
type Console struct {
	mu  sync.Mutex
	con console.Console
	raw bool
}

// New captures the current terminal state of f so it can be restored later.
func New(f *os.File) (*Console, error) {
	con, err := console.ConsoleFromFile(f)
	if err != nil {
		if errors.Is(err, console.ErrNotAConsole) {
			return &Console{}, nil
		}
		return nil, fmt.Errorf("terminal: %w", err)
	}
	return &Console{con: con}, nil
}

// IsTerminal reports whether the file is a terminal.
func (c *Console) IsTerminal() bool {
	return c.con != nil
}

// SetRawMode puts the terminal in raw mode.
func (c *Console) SetRawMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.con == nil || c.raw {
		return nil
	}
	if err := c.con.SetRaw(); err != nil {
		return fmt.Errorf("terminal: set raw: %w", err)
	}
	c.raw = true
	return nil
}

// SetCanonicalMode restores the terminal state captured by New.
func (c *Console) SetCanonicalMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.con == nil {
		return nil
	}
	if err := c.con.Reset(); err != nil {
		return fmt.Errorf("terminal: reset: %w", err)
	}
	c.raw = false
	return nil
}
