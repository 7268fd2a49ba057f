package vmm

import (
	"context"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/eventmanager"
	"github.com/aledbf/microvmm/internal/exitcode"
	"github.com/aledbf/microvmm/internal/vstate"
)

var _ eventmanager.Subscriber = (*Vmm)(nil)

// InterestList registers the exit eventfd for readability.
func (v *Vmm) InterestList() []eventmanager.Event {
	return []eventmanager.Event{{Fd: v.exitEvt.Fd(), Events: eventmanager.EventIn}}
}

// Process handles a guest exit notification: it picks the exit code
// reported by the first vCPU that exited and stops the VMM.
func (v *Vmm) Process(ctx context.Context, ev eventmanager.Event, _ *eventmanager.EventManager) {
	if ev.Fd != v.exitEvt.Fd() || ev.Events != eventmanager.EventIn {
		log.G(ctx).WithFields(log.Fields{
			"fd":     ev.Fd,
			"events": ev.Events,
		}).Error("vmm: spurious event manager event for handler: vmm")
		return
	}

	if _, err := v.exitEvt.Read(); err != nil {
		log.G(ctx).WithError(err).Error("vmm: failed to drain exit event")
	}

	code := exitcode.OK
	found := false
	for _, h := range v.handles() {
		for {
			resp, ok := h.ResponseReceiver().TryRecv()
			if !ok {
				break
			}
			if resp.Kind == vstate.ResponseExited && !found {
				code = exitcode.Code(resp.ExitCode)
				found = true
				log.G(ctx).WithField("vcpu", h.Index()).WithField("exit_code", code.String()).Debug("vmm: vcpu exited")
			}
		}
	}

	v.Stop(ctx, code)
}
