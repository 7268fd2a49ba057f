//go:build linux

// Package eventmanager implements the epoll based event loop that drives
// the VMM. Components register as a Subscriber with the file descriptors
// they are interested in and are called back when those become ready.
package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/eventfd"
)

// maxEvents bounds the number of ready events handled per epoll_wait.
const maxEvents = 64

// EventSet is a bitmask of epoll readiness flags.
type EventSet uint32

const (
	EventIn  EventSet = unix.EPOLLIN
	EventOut EventSet = unix.EPOLLOUT
	EventErr EventSet = unix.EPOLLERR
	EventHup EventSet = unix.EPOLLHUP
)

// Event pairs a file descriptor with a set of readiness flags. It is used
// both to declare interest and to report readiness.
type Event struct {
	Fd     int
	Events EventSet
}

// Subscriber is implemented by components driven by the event loop.
type Subscriber interface {
	// Process handles a ready event previously declared in InterestList.
	Process(ctx context.Context, ev Event, em *EventManager)
	// InterestList returns the events the subscriber is registered for.
	InterestList() []Event
}

var (
	// ErrClosed is returned when the event manager has been closed.
	ErrClosed = errors.New("event manager closed")

	// ErrAlreadyRegistered is returned when a file descriptor already has a subscriber.
	ErrAlreadyRegistered = errors.New("fd already registered")
)

// EventManager dispatches epoll events to subscribers.
type EventManager struct {
	epfd int
	wake *eventfd.EventFd

	mu          sync.Mutex
	subscribers map[int]Subscriber

	closed atomic.Bool
}

// New creates an event manager with its own epoll instance.
func New() (*EventManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wake, err := eventfd.New(unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	em := &EventManager{
		epfd:        epfd,
		wake:        wake,
		subscribers: make(map[int]Subscriber),
	}
	if err := em.ctl(unix.EPOLL_CTL_ADD, wake.Fd(), EventIn); err != nil {
		_ = wake.Close()
		_ = unix.Close(epfd)
		return nil, err
	}
	return em, nil
}

// AddSubscriber registers every entry of the subscriber's interest list.
func (em *EventManager) AddSubscriber(s Subscriber) error {
	if em.closed.Load() {
		return ErrClosed
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	interests := s.InterestList()
	for _, ev := range interests {
		if _, ok := em.subscribers[ev.Fd]; ok {
			return fmt.Errorf("fd %d: %w", ev.Fd, ErrAlreadyRegistered)
		}
	}
	for i, ev := range interests {
		if err := em.ctl(unix.EPOLL_CTL_ADD, ev.Fd, ev.Events); err != nil {
			for _, added := range interests[:i] {
				_ = em.ctl(unix.EPOLL_CTL_DEL, added.Fd, 0)
				delete(em.subscribers, added.Fd)
			}
			return err
		}
		em.subscribers[ev.Fd] = s
	}
	return nil
}

// RemoveSubscriber unregisters every entry of the subscriber's interest list.
func (em *EventManager) RemoveSubscriber(s Subscriber) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	var errs []error
	for _, ev := range s.InterestList() {
		if em.subscribers[ev.Fd] != s {
			continue
		}
		delete(em.subscribers, ev.Fd)
		if err := em.ctl(unix.EPOLL_CTL_DEL, ev.Fd, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunWithTimeout waits up to timeoutMs milliseconds (-1 blocks) for ready
// events and dispatches them. It returns the number of events dispatched.
func (em *EventManager) RunWithTimeout(ctx context.Context, timeoutMs int) (int, error) {
	if em.closed.Load() {
		return 0, ErrClosed
	}

	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(em.epfd, events[:], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == em.wake.Fd() {
			_, _ = em.wake.Read()
			continue
		}

		em.mu.Lock()
		s, ok := em.subscribers[fd]
		em.mu.Unlock()
		if !ok {
			log.G(ctx).WithField("fd", fd).Warn("eventmanager: event for unregistered fd")
			continue
		}

		s.Process(ctx, Event{Fd: fd, Events: EventSet(events[i].Events)}, em)
		dispatched++
	}
	return dispatched, nil
}

// Run dispatches events until ctx is cancelled or an error occurs.
func (em *EventManager) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = em.wake.Write(1)
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := em.RunWithTimeout(ctx, -1); err != nil {
			return err
		}
	}
}

// Close releases the epoll instance. Registered descriptors are not closed.
func (em *EventManager) Close() error {
	if !em.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(em.wake.Close(), unix.Close(em.epfd))
}

func (em *EventManager) ctl(op, fd int, events EventSet) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(em.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d, fd %d): %w", op, fd, err)
	}
	return nil
}
