package vstate

import (
	"context"
	"fmt"
)

// VcpuHandle is the VMM's end of a running vCPU.
type VcpuHandle struct {
	index    int
	events   chan<- VcpuEvent
	done     <-chan struct{}
	receiver *ResponseReceiver
	kicker   Kicker
}

// Index returns the index of the vCPU behind the handle.
func (h *VcpuHandle) Index() int {
	return h.index
}

// SendEvent queues ev for the vCPU and kicks it out of guest execution so
// the event is seen promptly. It never blocks: it fails with
// ErrChannelClosed once the vCPU goroutine has terminated and with
// ErrEventQueueFull when the vCPU has not drained earlier commands.
func (h *VcpuHandle) SendEvent(ev VcpuEvent) error {
	select {
	case <-h.done:
		return fmt.Errorf("vcpu %d: send %s: %w", h.index, ev, ErrChannelClosed)
	default:
	}

	select {
	case h.events <- ev:
	case <-h.done:
		return fmt.Errorf("vcpu %d: send %s: %w", h.index, ev, ErrChannelClosed)
	default:
		return fmt.Errorf("vcpu %d: send %s: %w", h.index, ev, ErrEventQueueFull)
	}

	if h.kicker != nil {
		h.kicker.Kick()
	}
	return nil
}

// ResponseReceiver returns the receiving end of the vCPU's responses.
func (h *VcpuHandle) ResponseReceiver() *ResponseReceiver {
	return h.receiver
}

// Done is closed when the vCPU goroutine has terminated.
func (h *VcpuHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the vCPU goroutine terminates or ctx is done.
func (h *VcpuHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
