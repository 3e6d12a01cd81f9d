package deviceplug_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/deviceplug"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := deviceplug.New(4)
	require.True(t, q.TryPush(deviceplug.Event{UdevEnv: map[string]string{"DEVNAME": "js0"}}))
	require.True(t, q.TryPush(deviceplug.Event{UdevEnv: map[string]string{"DEVNAME": "js1"}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.PopWithTimeout(ctx)
	require.True(t, ok)
	require.Equal(t, "js0", first.UdevEnv["DEVNAME"])

	second, ok := q.PopWithTimeout(ctx)
	require.True(t, ok)
	require.Equal(t, "js1", second.UdevEnv["DEVNAME"])
}

func TestOverflowDropsOldestNonCritical(t *testing.T) {
	q := deviceplug.New(2)
	require.True(t, q.TryPush(deviceplug.Event{UdevEnv: map[string]string{"DEVNAME": "old"}}))
	require.True(t, q.TryPush(deviceplug.Event{UdevEnv: map[string]string{"DEVNAME": "mid"}}))
	require.True(t, q.TryPush(deviceplug.Event{UdevEnv: map[string]string{"DEVNAME": "new"}}))

	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, ok := q.PopWithTimeout(ctx)
	require.True(t, ok)
	require.Equal(t, "mid", first.UdevEnv["DEVNAME"], "oldest non-critical event must be dropped first")
}

func TestOverflowWithAllCriticalDropsNewEvent(t *testing.T) {
	q := deviceplug.New(1)
	require.True(t, q.TryPush(deviceplug.Event{HWDBEntries: []string{"hwdb-entry-1"}}))
	require.False(t, q.TryPush(deviceplug.Event{HWDBEntries: []string{"hwdb-entry-2"}}))
	require.Equal(t, 1, q.Len())
}

func TestPopWithTimeoutReturnsFalseOnExpiry(t *testing.T) {
	q := deviceplug.New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := q.PopWithTimeout(ctx)
	require.False(t, ok)
}
