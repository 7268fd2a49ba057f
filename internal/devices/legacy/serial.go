package legacy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/iobuf"
)

// 8250 register offsets.
const (
	regData = 0 // RBR/THR, DLL when DLAB is set
	regIER  = 1 // DLM when DLAB is set
	regIIR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7
)

const (
	ierRecvBit     = 0x01
	ierThrEmptyBit = 0x02
	ierMask        = 0x0f

	iirFIFOBits  = 0xc0
	iirNone      = 0x01
	iirThrEmpty  = 0x02
	iirRecvAvail = 0x04

	lcrDLAB = 0x80

	lsrDataReady = 0x01
	lsrEmptyTHR  = 0x20
	lsrIdle      = 0x40

	mcrLoop = 0x10

	msrCTS = 0x10
	msrDSR = 0x20
	msrDCD = 0x80

	// 115200 baud with the default 1.8432 MHz clock.
	defaultBaudDivisor = 12
)

// maxInputQueue bounds the guest-bound input not yet read by the guest.
const maxInputQueue = 64 * 1024

// ErrSerialInputFull is returned when queued guest input exceeds its bound.
var ErrSerialInputFull = errors.New("serial input queue full")

// Serial emulates an 8250 UART. Output written by the guest is buffered
// and flushed on newline and on VMM exit.
type Serial struct {
	interruptEvt Notifier
	out          *bufio.Writer
	closer       io.Closer

	ier     byte
	iir     byte
	lcr     byte
	mcr     byte
	lsr     byte
	msr     byte
	scr     byte
	divisor uint16

	in []byte
}

// NewSerial creates a UART writing guest output to out. If out is also an
// io.Closer it is closed when the VMM exits. out may be nil to discard output.
func NewSerial(interruptEvt Notifier, out io.Writer) *Serial {
	s := &Serial{
		interruptEvt: interruptEvt,
		iir:          iirNone,
		lsr:          lsrEmptyTHR | lsrIdle,
		msr:          msrDSR | msrCTS | msrDCD,
		divisor:      defaultBaudDivisor,
	}
	if out == nil {
		out = io.Discard
	}
	s.out = bufio.NewWriter(out)
	if c, ok := out.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// QueueInput appends host input for the guest to read.
func (s *Serial) QueueInput(data []byte) error {
	if len(s.in)+len(data) > maxInputQueue {
		return ErrSerialInputFull
	}
	s.in = append(s.in, data...)
	s.lsr |= lsrDataReady
	if s.ier&ierRecvBit != 0 {
		s.iir = iirRecvAvail
		return s.triggerInterrupt()
	}
	return nil
}

func (s *Serial) triggerInterrupt() error {
	if s.interruptEvt == nil {
		return nil
	}
	if err := s.interruptEvt.Write(1); err != nil {
		return fmt.Errorf("serial interrupt: %w", err)
	}
	return nil
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

func (s *Serial) Read(_, offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}

	switch {
	case offset == regData && s.dlab():
		data[0] = byte(s.divisor)
	case offset == regIER && s.dlab():
		data[0] = byte(s.divisor >> 8)
	case offset == regData:
		if len(s.in) == 0 {
			data[0] = 0
			return
		}
		data[0] = s.in[0]
		s.in = s.in[1:]
		if len(s.in) == 0 {
			s.lsr &^= lsrDataReady
			s.in = nil
		}
	case offset == regIER:
		data[0] = s.ier
	case offset == regIIR:
		data[0] = s.iir | iirFIFOBits
		s.iir = iirNone
	case offset == regLCR:
		data[0] = s.lcr
	case offset == regMCR:
		data[0] = s.mcr
	case offset == regLSR:
		data[0] = s.lsr
	case offset == regMSR:
		data[0] = s.msr
	case offset == regSCR:
		data[0] = s.scr
	default:
		data[0] = 0
	}
}

func (s *Serial) Write(_, offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}
	v := data[0]

	switch {
	case offset == regData && s.dlab():
		s.divisor = s.divisor&0xff00 | uint16(v)
	case offset == regIER && s.dlab():
		s.divisor = s.divisor&0x00ff | uint16(v)<<8
	case offset == regData:
		if s.mcr&mcrLoop != 0 {
			if err := s.QueueInput([]byte{v}); err != nil {
				log.L.WithError(err).Debug("serial: dropping loopback byte")
			}
			return
		}
		s.emit(v)
		if s.ier&ierThrEmptyBit != 0 {
			s.iir = iirThrEmpty
			if err := s.triggerInterrupt(); err != nil {
				log.L.WithError(err).Warn("serial: failed to raise interrupt")
			}
		}
	case offset == regIER:
		s.ier = v & ierMask
	case offset == regLCR:
		s.lcr = v
	case offset == regMCR:
		s.mcr = v
	case offset == regSCR:
		s.scr = v
	default:
		// FCR, LSR and MSR writes are ignored.
	}
}

func (s *Serial) emit(b byte) {
	if err := s.out.WriteByte(b); err != nil {
		log.L.WithError(err).Debug("serial: output write failed")
		return
	}
	if b == '\n' || s.out.Available() == 0 {
		if err := s.out.Flush(); err != nil {
			log.L.WithError(err).Debug("serial: output flush failed")
		}
	}
}

// OnVmmExit flushes buffered output and closes the output if it owns it.
func (s *Serial) OnVmmExit(ctx context.Context) error {
	err := s.out.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	if err != nil {
		log.G(ctx).WithError(err).Warn("serial: error closing output")
	}
	return err
}

// ForwardSerialInput copies r into the serial device behind dev until r
// returns an error or ctx is done. It returns nil on EOF.
func ForwardSerialInput(ctx context.Context, dev *devices.SharedDevice, r io.Reader) error {
	buf := iobuf.Console.Get()
	defer iobuf.Console.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			qerr := dev.With(func(d devices.BusDevice) error {
				s, ok := d.(*Serial)
				if !ok {
					return fmt.Errorf("device %T is not a serial port", d)
				}
				return s.QueueInput(chunk)
			})
			if qerr != nil {
				log.G(ctx).WithError(qerr).Warn("serial: dropping input")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
