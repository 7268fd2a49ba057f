package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

const (
	// FsDeviceID is the name of the virtio-fs device.
	FsDeviceID = "virtio_fs"
	// FsNumQueues is one high priority queue plus one request queue.
	FsNumQueues = 2
	// FsQueueSize is the size of every virtio-fs queue.
	FsQueueSize = 1024

	fsTagLen = 36
)

// Errors of the file system server protocol.
var (
	ErrFsDecodeMessage       = errors.New("failed to decode protocol messages")
	ErrFsEncodeMessage       = errors.New("failed to encode protocol messages")
	ErrFsEventFd             = errors.New("failed to create event fd")
	ErrFsMissingExtension    = errors.New("the guest failed to send a required extension")
	ErrFsMissingParameter    = errors.New("one or more parameters are missing")
	ErrFsInvalidCString      = errors.New("a C string parameter is invalid")
	ErrFsInvalidHeaderLength = errors.New("the len field of the header is too small")
	ErrFsInvalidXattrSize    = errors.New("the size field of the SetxattrIn message does not match the decoded value")
	ErrFsQueueReader         = errors.New("queue reader error")
	ErrFsQueueWriter         = errors.New("queue writer error")
)

// Fs is a virtio-fs device sharing a host directory with the guest under
// a mount tag.
type Fs struct {
	tag       string
	sharedDir string
	dir       *os.File
}

// NewFs opens sharedDir so it stays reachable for the life of the guest.
func NewFs(tag, sharedDir string) (*Fs, error) {
	if tag == "" || len(tag) > fsTagLen {
		return nil, fmt.Errorf("fs: tag %q must be 1 to %d bytes: %w", tag, fsTagLen, errdefs.ErrInvalidArgument)
	}
	dir, err := os.Open(sharedDir)
	if err != nil {
		return nil, fmt.Errorf("fs %s: open shared dir: %w", tag, err)
	}
	info, err := dir.Stat()
	if err != nil || !info.IsDir() {
		_ = dir.Close()
		return nil, fmt.Errorf("fs %s: %s is not a directory: %w", tag, sharedDir, errdefs.ErrInvalidArgument)
	}
	return &Fs{tag: tag, sharedDir: sharedDir, dir: dir}, nil
}

// Tag returns the mount tag.
func (f *Fs) Tag() string { return f.tag }

// SharedDir returns the host directory.
func (f *Fs) SharedDir() string { return f.sharedDir }

func (f *Fs) DeviceID() uint32 { return IDFs }

func (f *Fs) AvailableFeatures() uint64 { return feature(FVersion1) }

func (f *Fs) QueueMaxSizes() []uint16 {
	sizes := make([]uint16, FsNumQueues)
	for i := range sizes {
		sizes[i] = FsQueueSize
	}
	return sizes
}

// ConfigSpace is the NUL padded tag followed by the number of request queues.
func (f *Fs) ConfigSpace() []byte {
	cfg := make([]byte, fsTagLen+4)
	copy(cfg, f.tag)
	binary.LittleEndian.PutUint32(cfg[fsTagLen:], FsNumQueues-1)
	return cfg
}

func (f *Fs) OnVmmExit(ctx context.Context) error {
	if f.dir == nil {
		return nil
	}
	err := f.dir.Close()
	f.dir = nil
	log.G(ctx).WithField("tag", f.tag).Debug("virtio: fs device closed")
	return err
}
