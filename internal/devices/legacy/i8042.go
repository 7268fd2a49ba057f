// Package legacy implements the PC legacy devices reachable over port I/O:
// the i8042 keyboard controller, used by the guest to reset the machine,
// and the 8250 UART used as the serial console.
package legacy

import (
	"errors"
	"fmt"

	"github.com/containerd/log"
)

// i8042 register offsets from the base port (0x60).
const (
	ofsData   = 0
	ofsStatus = 4
)

// Controller commands written to the status port.
const (
	cmdReadCTR   = 0x20
	cmdWriteCTR  = 0x60
	cmdReadOutp  = 0xd0
	cmdWriteOutp = 0xd1
	cmdResetCPU  = 0xfe
)

// Status register bits.
const (
	sbOutDataAvail = 0x01
	sbCmdData      = 0x08
	sbKbdEnabled   = 0x10
)

// Controller configuration byte bits.
const (
	cbKbdInt = 0x01
	cbPostOK = 0x04
)

// Set 2 scan codes. Extended keys carry the 0xe0 prefix in the high byte.
const (
	keyCtrl = 0x0014
	keyAlt  = 0x0011
	keyDel  = 0xe071
)

// Keyboard acknowledges any command written to the data port.
const kbdAck = 0xfa

const i8042BufSize = 16

var (
	// ErrInternalBufferFull is returned when the output buffer cannot take more bytes.
	ErrInternalBufferFull = errors.New("i8042 internal buffer full")

	// ErrKbdInterruptFailure is returned when the keyboard interrupt cannot be raised.
	ErrKbdInterruptFailure = errors.New("i8042 keyboard interrupt failure")
)

// Notifier is an event sink such as an eventfd.
type Notifier interface {
	Write(v uint64) error
}

// I8042Device emulates enough of the i8042 controller for a guest to reboot
// the machine (reset command 0xfe) and for the host to deliver Ctrl+Alt+Del.
type I8042Device struct {
	resetEvt Notifier
	kbdEvt   Notifier

	status  byte
	control byte
	outp    byte
	cmd     byte

	buf  [i8042BufSize]byte
	head int
	n    int
}

// NewI8042Device creates the controller. resetEvt is signalled when the
// guest asks for a CPU reset; kbdEvt raises the keyboard interrupt.
func NewI8042Device(resetEvt, kbdEvt Notifier) *I8042Device {
	return &I8042Device{
		resetEvt: resetEvt,
		kbdEvt:   kbdEvt,
		status:   sbKbdEnabled,
		control:  cbPostOK | cbKbdInt,
	}
}

// TriggerCtrlAltDel queues the Ctrl+Alt+Del key sequence and raises the
// keyboard interrupt.
func (d *I8042Device) TriggerCtrlAltDel() error {
	for _, key := range []uint16{keyCtrl, keyAlt, keyDel} {
		if err := d.pushKey(key); err != nil {
			return err
		}
	}
	return d.triggerKbdInterrupt()
}

func (d *I8042Device) pushKey(key uint16) error {
	need := 1
	if key&0xff00 != 0 {
		need = 2
	}
	if d.n+need > i8042BufSize {
		return ErrInternalBufferFull
	}
	if need == 2 {
		d.pushByte(byte(key >> 8))
	}
	d.pushByte(byte(key))
	return nil
}

func (d *I8042Device) pushByte(b byte) bool {
	if d.n == i8042BufSize {
		return false
	}
	d.status |= sbOutDataAvail
	d.buf[(d.head+d.n)%i8042BufSize] = b
	d.n++
	return true
}

func (d *I8042Device) popByte() (byte, bool) {
	if d.n == 0 {
		return 0, false
	}
	b := d.buf[d.head]
	d.head = (d.head + 1) % i8042BufSize
	d.n--
	if d.n == 0 {
		d.status &^= sbOutDataAvail
	}
	return b, true
}

func (d *I8042Device) flush() {
	d.head, d.n = 0, 0
	d.status &^= sbOutDataAvail
}

func (d *I8042Device) triggerKbdInterrupt() error {
	if d.control&cbKbdInt == 0 {
		log.L.Warn("i8042: keyboard interrupt disabled by guest")
		return nil
	}
	if d.kbdEvt == nil {
		return nil
	}
	if err := d.kbdEvt.Write(1); err != nil {
		return fmt.Errorf("%w: %w", ErrKbdInterruptFailure, err)
	}
	return nil
}

func (d *I8042Device) Read(_, offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}
	switch offset {
	case ofsStatus:
		data[0] = d.status
	case ofsData:
		b, _ := d.popByte()
		data[0] = b
		if d.n > 0 {
			if err := d.triggerKbdInterrupt(); err != nil {
				log.L.WithError(err).Warn("i8042: failed to raise keyboard interrupt")
			}
		}
	default:
		data[0] = 0
	}
}

func (d *I8042Device) Write(_, offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}
	v := data[0]

	switch {
	case offset == ofsStatus && v == cmdResetCPU:
		log.L.Info("i8042: guest requested cpu reset")
		if d.resetEvt != nil {
			if err := d.resetEvt.Write(1); err != nil {
				log.L.WithError(err).Error("i8042: failed to signal reset")
			}
		}
	case offset == ofsStatus && v == cmdReadCTR:
		d.flush()
		d.pushByte(d.control)
	case offset == ofsStatus && v == cmdWriteCTR:
		d.flush()
		d.status |= sbCmdData
		d.cmd = v
	case offset == ofsStatus && v == cmdReadOutp:
		d.flush()
		d.pushByte(d.outp)
	case offset == ofsStatus && v == cmdWriteOutp:
		d.status |= sbCmdData
		d.cmd = v
	case offset == ofsData && d.status&sbCmdData != 0:
		switch d.cmd {
		case cmdWriteCTR:
			d.control = v
		case cmdWriteOutp:
			d.outp = v
		}
		d.status &^= sbCmdData
	case offset == ofsData:
		d.flush()
		d.pushByte(kbdAck)
		if err := d.triggerKbdInterrupt(); err != nil {
			log.L.WithError(err).Warn("i8042: failed to raise keyboard interrupt")
		}
	default:
		log.L.WithField("offset", offset).WithField("value", v).Debug("i8042: ignoring write")
	}
}
