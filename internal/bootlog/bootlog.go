// Package bootlog keeps a persistent record of every VM run: when it
// booted, what it booted and when it went away.
package bootlog

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/aledbf/microvmm/internal/boltstore"
)

// Bucket is the bbolt bucket holding boot records.
const Bucket = "boots"

// Record describes one VM run.
type Record struct {
	InstanceID string     `json:"instance_id"`
	PID        int        `json:"pid"`
	Kernel     string     `json:"kernel"`
	Vcpus      int        `json:"vcpus"`
	MemoryMiB  uint64     `json:"memory_mib"`
	Devices    []string   `json:"devices,omitempty"`
	BootedAt   time.Time  `json:"booted_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

// Recorder writes the Record of the current run. It is registered both as
// a boot observer and as the last exit observer.
type Recorder struct {
	store  boltstore.Store[Record]
	record Record
	now    func() time.Time
}

// NewRecorder returns a recorder for a new run with a fresh instance ID.
func NewRecorder(store boltstore.Store[Record], rec Record) *Recorder {
	if rec.InstanceID == "" {
		rec.InstanceID = uuid.NewString()
	}
	return &Recorder{store: store, record: rec, now: time.Now}
}

// InstanceID returns the ID of the run.
func (r *Recorder) InstanceID() string {
	return r.record.InstanceID
}

func (r *Recorder) OnVmmBoot(ctx context.Context) error {
	r.record.BootedAt = r.now().UTC()
	if err := r.store.Put(ctx, r.record.InstanceID, &r.record); err != nil {
		return fmt.Errorf("bootlog: record boot: %w", err)
	}
	log.G(ctx).WithField("instance", r.record.InstanceID).Debug("bootlog: boot recorded")
	return nil
}

func (r *Recorder) OnVmmExit(ctx context.Context) error {
	exited := r.now().UTC()
	r.record.ExitedAt = &exited
	if err := r.store.Put(ctx, r.record.InstanceID, &r.record); err != nil {
		return fmt.Errorf("bootlog: record exit: %w", err)
	}
	if err := r.store.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("bootlog: failed to close store")
	}
	return nil
}

// List returns every recorded run ordered by instance ID.
func List(ctx context.Context, store boltstore.Store[Record]) ([]Record, error) {
	var out []Record
	err := store.Scan(ctx, "", func(_ string, rec *Record) error {
		out = append(out, *rec)
		return nil
	})
	return out, err
}
