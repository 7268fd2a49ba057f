package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/containerd/log"
	"github.com/mdlayher/vsock"

	vsockalloc "github.com/aledbf/microvmm/internal/vsock"
)

const vsockQueueSize = 256

// ListenFunc opens the host side listener for guest connections.
type ListenFunc func(port uint32) (net.Listener, error)

// ConnHandler serves one guest connection. It owns conn.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ListenVsock listens on the host vsock port.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, &vsock.Config{})
}

// VsockConfig configures a Vsock device.
type VsockConfig struct {
	Lease   *vsockalloc.Lease
	Port    uint32
	Listen  ListenFunc
	Handler ConnHandler
}

// Vsock is a virtio-vsock device. The guest CID comes from a lease that is
// released on exit, and a host listener accepts guest connections while
// the VM runs.
type Vsock struct {
	lease   *vsockalloc.Lease
	port    uint32
	listen  ListenFunc
	handler ConnHandler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewVsock returns a vsock device for the leased CID.
func NewVsock(cfg VsockConfig) (*Vsock, error) {
	if cfg.Lease == nil {
		return nil, errors.New("vsock: cid lease is required")
	}
	if cfg.Listen == nil {
		cfg.Listen = ListenVsock
	}
	if cfg.Handler == nil {
		cfg.Handler = closeConn
	}
	return &Vsock{
		lease:   cfg.Lease,
		port:    cfg.Port,
		listen:  cfg.Listen,
		handler: cfg.Handler,
	}, nil
}

func closeConn(ctx context.Context, conn net.Conn) {
	log.G(ctx).WithField("remote", conn.RemoteAddr().String()).Debug("vsock: no handler, closing guest connection")
	_ = conn.Close()
}

// CID returns the guest context ID.
func (v *Vsock) CID() uint32 { return v.lease.CID }

func (v *Vsock) DeviceID() uint32 { return IDVsock }

func (v *Vsock) AvailableFeatures() uint64 { return feature(FVersion1) }

// QueueMaxSizes returns the rx, tx and event queues.
func (v *Vsock) QueueMaxSizes() []uint16 {
	return []uint16{vsockQueueSize, vsockQueueSize, vsockQueueSize}
}

func (v *Vsock) ConfigSpace() []byte {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, uint64(v.lease.CID))
	return cfg
}

// OnVmmBoot starts accepting guest connections.
func (v *Vsock) OnVmmBoot(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listener != nil {
		return nil
	}

	l, err := v.listen(v.port)
	if err != nil {
		return fmt.Errorf("vsock: listen on port %d: %w", v.port, err)
	}
	v.listener = l

	log.G(ctx).WithFields(log.Fields{"cid": v.lease.CID, "port": v.port}).Info("vsock: listening for guest connections")

	v.wg.Add(1)
	go v.acceptLoop(context.WithoutCancel(ctx), l)
	return nil
}

func (v *Vsock) acceptLoop(ctx context.Context, l net.Listener) {
	defer v.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.G(ctx).WithError(err).Warn("vsock: accept failed")
			}
			return
		}
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.handler(ctx, conn)
		}()
	}
}

// OnVmmExit stops the listener, waits for the connection handlers and
// releases the CID.
func (v *Vsock) OnVmmExit(ctx context.Context) error {
	v.mu.Lock()
	l := v.listener
	v.listener = nil
	v.mu.Unlock()

	var errs []error
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("vsock: close listener: %w", err))
		}
	}
	v.wg.Wait()

	if err := v.lease.Release(); err != nil {
		errs = append(errs, fmt.Errorf("vsock: release cid %d: %w", v.lease.CID, err))
	}
	log.G(ctx).WithField("cid", v.lease.CID).Debug("vsock: device torn down")
	return errors.Join(errs...)
}
