// Package vstate owns the vCPU execution contexts: the goroutine that runs
// guest code on a locked OS thread and the typed channels the VMM uses to
// command it.
package vstate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelClosed is returned when the vCPU goroutine has terminated
	// and can no longer send or receive.
	ErrChannelClosed = errors.New("vcpu channel closed")

	// ErrRecvTimeout is returned when no response arrived within the timeout.
	ErrRecvTimeout = errors.New("vcpu response timeout")

	// ErrEventQueueFull is returned when a vCPU has stopped draining its
	// commands, typically because it is stuck in guest code.
	ErrEventQueueFull = errors.New("vcpu event queue full")
)

// VcpuEvent is a command sent from the VMM to a vCPU.
type VcpuEvent uint8

const (
	EventResume VcpuEvent = iota
	EventPause
	EventExit
)

func (e VcpuEvent) String() string {
	switch e {
	case EventResume:
		return "resume"
	case EventPause:
		return "pause"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// ResponseKind discriminates a VcpuResponse.
type ResponseKind uint8

const (
	ResponseResumed ResponseKind = iota
	ResponsePaused
	ResponseExited
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseResumed:
		return "resumed"
	case ResponsePaused:
		return "paused"
	case ResponseExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// VcpuResponse is sent from a vCPU to the VMM. ExitCode is only
// meaningful for ResponseExited.
type VcpuResponse struct {
	Kind     ResponseKind
	ExitCode uint8
}

func Resumed() VcpuResponse { return VcpuResponse{Kind: ResponseResumed} }

func Paused() VcpuResponse { return VcpuResponse{Kind: ResponsePaused} }

func Exited(code uint8) VcpuResponse {
	return VcpuResponse{Kind: ResponseExited, ExitCode: code}
}

func (r VcpuResponse) String() string {
	if r.Kind == ResponseExited {
		return fmt.Sprintf("exited(%d)", r.ExitCode)
	}
	return r.Kind.String()
}

// ResponseReceiver is the receiving end of a vCPU's response channel.
type ResponseReceiver struct {
	ch   <-chan VcpuResponse
	done <-chan struct{}
}

// RecvTimeout blocks until a response arrives, the timeout elapses
// (ErrRecvTimeout), or the vCPU terminates without further responses
// (ErrChannelClosed).
func (r *ResponseReceiver) RecvTimeout(d time.Duration) (VcpuResponse, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case resp := <-r.ch:
		return resp, nil
	case <-timer.C:
		return VcpuResponse{}, ErrRecvTimeout
	case <-r.done:
		// Responses queued before termination are still delivered.
		if resp, ok := r.TryRecv(); ok {
			return resp, nil
		}
		return VcpuResponse{}, ErrChannelClosed
	}
}

// TryRecv returns a queued response without blocking.
func (r *ResponseReceiver) TryRecv() (VcpuResponse, bool) {
	select {
	case resp := <-r.ch:
		return resp, true
	default:
		return VcpuResponse{}, false
	}
}
