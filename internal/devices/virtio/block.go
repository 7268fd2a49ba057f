package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
)

const (
	blockSectorSize = 512
	blockQueueSize  = 256

	blkFRO    = 5
	blkFFlush = 9
)

// Block is a virtio-blk device backed by a host file.
type Block struct {
	id       string
	path     string
	readOnly bool
	file     *os.File
	sectors  uint64
}

// NewBlock opens the backing file at path.
func NewBlock(id, path string, readOnly bool) (*Block, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("block %s: open backing file: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("block %s: stat backing file: %w", id, err)
	}
	if info.Size()%blockSectorSize != 0 {
		log.L.WithFields(log.Fields{"id": id, "size": info.Size()}).Warn("virtio: block device size is not a multiple of the sector size")
	}

	return &Block{
		id:       id,
		path:     path,
		readOnly: readOnly,
		file:     f,
		sectors:  uint64(info.Size()) / blockSectorSize,
	}, nil
}

// ID returns the drive ID.
func (b *Block) ID() string { return b.id }

// Sectors returns the capacity in 512 byte sectors.
func (b *Block) Sectors() uint64 { return b.sectors }

func (b *Block) DeviceID() uint32 { return IDBlock }

func (b *Block) AvailableFeatures() uint64 {
	f := feature(FVersion1) | feature(blkFFlush)
	if b.readOnly {
		f |= feature(blkFRO)
	}
	return f
}

func (b *Block) QueueMaxSizes() []uint16 { return []uint16{blockQueueSize} }

func (b *Block) ConfigSpace() []byte {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, b.sectors)
	return cfg
}

// OnVmmExit flushes writable disks and closes the backing file.
func (b *Block) OnVmmExit(ctx context.Context) error {
	if b.file == nil {
		return nil
	}
	var errs []error
	if !b.readOnly {
		if err := b.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("block %s: sync: %w", b.id, err))
		}
	}
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("block %s: close: %w", b.id, err))
	}
	b.file = nil
	log.G(ctx).WithField("id", b.id).Debug("virtio: block device closed")
	return errors.Join(errs...)
}
