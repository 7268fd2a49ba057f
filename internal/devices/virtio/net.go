package virtio

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

const (
	netQueueSize = 256
	netFMac      = 5
	netFStatus   = 16

	netLinkUp = 1
)

// Net is a virtio-net device attached to a host TAP interface.
type Net struct {
	id  string
	tap string
	mac net.HardwareAddr
	tf  *os.File
}

// NewNet wraps an already opened TAP file. An empty mac generates a
// random locally administered address.
func NewNet(id, tap string, tapFile *os.File, mac string) (*Net, error) {
	hw, err := parseOrGenerateMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("net %s: %w", id, err)
	}
	return &Net{id: id, tap: tap, mac: hw, tf: tapFile}, nil
}

func parseOrGenerateMAC(mac string) (net.HardwareAddr, error) {
	if mac != "" {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", mac, err)
		}
		if len(hw) != 6 {
			return nil, fmt.Errorf("invalid mac %q: not an EUI-48 address", mac)
		}
		return hw, nil
	}
	u := uuid.New()
	hw := net.HardwareAddr(u[:6])
	// Locally administered, unicast.
	hw[0] = (hw[0] | 0x02) &^ 0x01
	return hw, nil
}

// ID returns the interface ID.
func (n *Net) ID() string { return n.id }

// MAC returns the guest MAC address.
func (n *Net) MAC() net.HardwareAddr { return n.mac }

func (n *Net) DeviceID() uint32 { return IDNet }

func (n *Net) AvailableFeatures() uint64 {
	return feature(FVersion1) | feature(netFMac) | feature(netFStatus)
}

// QueueMaxSizes returns one receive and one transmit queue.
func (n *Net) QueueMaxSizes() []uint16 { return []uint16{netQueueSize, netQueueSize} }

// ConfigSpace is the MAC address followed by the link status.
func (n *Net) ConfigSpace() []byte {
	cfg := make([]byte, 8)
	copy(cfg, n.mac)
	cfg[6] = netLinkUp
	return cfg
}

func (n *Net) OnVmmExit(ctx context.Context) error {
	if n.tf == nil {
		return nil
	}
	err := n.tf.Close()
	n.tf = nil
	log.G(ctx).WithFields(log.Fields{"id": n.id, "tap": n.tap}).Debug("virtio: tap closed")
	return err
}
