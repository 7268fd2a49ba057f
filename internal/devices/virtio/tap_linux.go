package virtio

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"unsafe"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// OpenTap attaches to the existing TAP interface tapName and returns its
// file. When netnsPath is set the interface is looked up inside that
// network namespace; the returned descriptor is usable from any namespace.
func OpenTap(ctx context.Context, tapName, netnsPath string) (*os.File, error) {
	if netnsPath == "" {
		return openTap(ctx, tapName)
	}

	targetNS, err := netns.GetFromPath(netnsPath)
	if err != nil {
		return nil, fmt.Errorf("get target netns: %w", err)
	}
	defer func() { _ = targetNS.Close() }()

	origNS, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("get current netns: %w", err)
	}
	defer func() { _ = origNS.Close() }()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := netns.Set(targetNS); err != nil {
		return nil, fmt.Errorf("set target netns: %w", err)
	}
	defer func() {
		if err := netns.Set(origNS); err != nil {
			log.G(ctx).WithError(err).Error("virtio: failed to restore original netns")
		}
	}()

	return openTap(ctx, tapName)
}

func openTap(ctx context.Context, tapName string) (*os.File, error) {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil, fmt.Errorf("lookup tap %s: %w", tapName, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("bring tap %s up: %w", tapName, err)
		}
		log.G(ctx).WithField("tap", tapName).Debug("virtio: brought tap device up")
	}

	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req struct {
		Name  [unix.IFNAMSIZ]byte
		Flags uint16
		_     [22]byte
	}
	copy(req.Name[:], tapName)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR

	//nolint:gosec // TUNSETIFF takes a pointer to struct ifreq.
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("TUNSETIFF %s: %w", tapName, errno)
	}

	log.G(ctx).WithField("tap", tapName).Info("virtio: opened tap device")
	return f, nil
}
