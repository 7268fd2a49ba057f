// Package vsock reserves guest context IDs for virtio-vsock devices.
package vsock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Allocator hands out guest CIDs backed by lock files in lockDir. A CID is
// owned while its lock file is held with an exclusive flock, so concurrent
// VMM processes on the same host never share one.
type Allocator struct {
	lockDir  string
	minCID   uint32
	maxCID   uint32
	cooldown time.Duration
}

// Lease is a CID reservation. Release must be called when the guest is gone.
type Lease struct {
	CID  uint32
	file *os.File
}

type leaseRecord struct {
	PID        int        `json:"pid"`
	InstanceID string     `json:"instance_id,omitempty"`
	LeasedAt   time.Time  `json:"leased_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// NewAllocator returns an allocator for CIDs in [minCID, maxCID]. A CID
// released less than cooldown ago is skipped so a new guest does not
// receive connections meant for the previous one.
func NewAllocator(lockDir string, minCID, maxCID uint32, cooldown time.Duration) *Allocator {
	return &Allocator{
		lockDir:  lockDir,
		minCID:   minCID,
		maxCID:   maxCID,
		cooldown: cooldown,
	}
}

// Allocate reserves the lowest free CID for instanceID.
func (a *Allocator) Allocate(instanceID string) (*Lease, error) {
	if a.minCID < MinGuestCID || a.minCID > a.maxCID {
		return nil, fmt.Errorf("vsock: invalid cid range [%d, %d]: %w", a.minCID, a.maxCID, errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(a.lockDir, 0o750); err != nil {
		return nil, fmt.Errorf("vsock: create cid lock directory: %w", err)
	}

	now := time.Now()
	for cid := a.minCID; cid <= a.maxCID; cid++ {
		f, ok := a.tryLock(cid, now)
		if !ok {
			continue
		}

		rec := leaseRecord{PID: os.Getpid(), InstanceID: instanceID, LeasedAt: now}
		if err := writeRecord(f, rec); err != nil {
			unlockAndClose(f)
			continue
		}

		log.L.WithFields(log.Fields{"cid": cid, "instance": instanceID}).Debug("vsock: cid leased")
		return &Lease{CID: cid, file: f}, nil
	}

	return nil, fmt.Errorf("vsock: no free cid in [%d, %d]: %w", a.minCID, a.maxCID, errdefs.ErrUnavailable)
}

func (a *Allocator) tryLock(cid uint32, now time.Time) (*os.File, bool) {
	path := filepath.Join(a.lockDir, fmt.Sprintf("%d.lock", cid))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, false
	}

	info, _ := f.Stat()
	if coolingDown(now, readRecord(f), info, a.cooldown) {
		unlockAndClose(f)
		return nil, false
	}
	return f, true
}

// Release marks the CID released and drops the lock. It is safe to call
// more than once.
func (l *Lease) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	rec := readRecord(l.file)
	now := time.Now()
	if rec.LeasedAt.IsZero() {
		rec.LeasedAt = now
	}
	rec.ReleasedAt = &now
	if err := writeRecord(l.file, rec); err != nil {
		log.L.WithError(err).WithField("cid", l.CID).Warn("vsock: failed to record cid release")
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

func readRecord(f *os.File) leaseRecord {
	if _, err := f.Seek(0, 0); err != nil {
		return leaseRecord{}
	}
	var rec leaseRecord
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return leaseRecord{}
	}
	return rec
}

func writeRecord(f *os.File, rec leaseRecord) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(rec)
}

func coolingDown(now time.Time, rec leaseRecord, info os.FileInfo, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}

	var last time.Time
	switch {
	case rec.ReleasedAt != nil:
		last = *rec.ReleasedAt
	case !rec.LeasedAt.IsZero():
		last = rec.LeasedAt
	case info != nil && info.Size() > 0:
		last = info.ModTime()
	}
	return !last.IsZero() && now.Sub(last) < cooldown
}
