package bootlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/microvmm/internal/boltstore"
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	store := boltstore.NewMemoryStore[Record]()

	r := NewRecorder(store, Record{Kernel: "/boot/vmlinux", Vcpus: 2, MemoryMiB: 256})
	_, err := uuid.Parse(r.InstanceID())
	require.NoError(t, err)

	boot := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return boot }
	require.NoError(t, r.OnVmmBoot(ctx))

	got, err := store.Get(ctx, r.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, boot, got.BootedAt)
	assert.Nil(t, got.ExitedAt)

	exit := boot.Add(time.Minute)
	r.now = func() time.Time { return exit }
	require.NoError(t, r.OnVmmExit(ctx))

	records, err := List(ctx, store)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ExitedAt)
	assert.Equal(t, exit, *records[0].ExitedAt)
	assert.Equal(t, 2, records[0].Vcpus)
}

func TestRecorder_KeepsGivenInstanceID(t *testing.T) {
	r := NewRecorder(boltstore.NewMemoryStore[Record](), Record{InstanceID: "fixed"})
	assert.Equal(t, "fixed", r.InstanceID())
}
