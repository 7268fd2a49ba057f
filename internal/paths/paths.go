// Package paths provides the standard filesystem locations used by microvmm.
// The helpers take configuration as input to avoid global config coupling.
package paths

import (
	"path/filepath"

	"github.com/aledbf/microvmm/internal/config"
)

// BootLogDBPath returns the bolt database holding boot records.
func BootLogDBPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "bootlog.db")
}

// CIDLockDir returns the directory holding vsock CID lease files.
func CIDLockDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "vsock-cids")
}
