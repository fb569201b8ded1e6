package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
)

type snapshotResult struct {
	snap *model.RoomSnapshot
	err  error
}

func collectSnapshots() (SnapshotFunc, <-chan snapshotResult) {
	ch := make(chan snapshotResult, 16)
	return func(snap *model.RoomSnapshot, err error) { ch <- snapshotResult{snap, err} }, ch
}

func nextSnapshot(t *testing.T, ch <-chan snapshotResult) snapshotResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return snapshotResult{}
	}
}

func TestWatchRoom_FollowsChanges(t *testing.T) {
	env := newTestEnv(t)
	ana, ben := env.user(t, "Ana"), env.user(t, "Ben")
	room := env.room(t, ana, "Den", "ROOM-1234")
	ctx := context.Background()

	fn, results := collectSnapshots()
	cancel, err := env.watcher.WatchRoom(ctx, ana.ID, room.ID, fn)
	require.NoError(t, err)
	defer cancel()
	first := nextSnapshot(t, results)
	require.NoError(t, first.err)
	require.Len(t, first.snap.Members, 1)

	env.join(t, ben, room)
	r := nextSnapshot(t, results)
	require.NoError(t, r.err)
	assert.Len(t, r.snap.Members, 2)

	_, err = env.status.SetStatus(ctx, ben.ID, "away")
	require.NoError(t, err)
	r = nextSnapshot(t, results)
	require.NoError(t, r.err)
	require.Len(t, r.snap.Members, 2)
	assert.Equal(t, model.StatusAway, r.snap.Members[1].Status)
}

func TestWatchRoom_EndsWhenRoomDeleted(t *testing.T) {
	env := newTestEnv(t)
	ana := env.user(t, "Ana")
	room := env.room(t, ana, "Den", "ROOM-1234")
	ctx := context.Background()

	fn, results := collectSnapshots()
	cancel, err := env.watcher.WatchRoom(ctx, ana.ID, room.ID, fn)
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, nextSnapshot(t, results).err)

	require.NoError(t, env.registry.DeleteRoom(ctx, ana.ID, room.ID))
	r := nextSnapshot(t, results)
	assert.Nil(t, r.snap)
	assert.ErrorIs(t, r.err, apperror.ErrNotFound)
}

func TestWatchRoom_EndsWhenRemoved(t *testing.T) {
	env := newTestEnv(t)
	ana, ben := env.user(t, "Ana"), env.user(t, "Ben")
	room := env.room(t, ana, "Den", "ROOM-1234")
	env.join(t, ben, room)
	ctx := context.Background()

	fn, results := collectSnapshots()
	cancel, err := env.watcher.WatchRoom(ctx, ben.ID, room.ID, fn)
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, nextSnapshot(t, results).err)

	require.NoError(t, env.members.RemoveUserFromRoom(ctx, ana.ID, room.ID, ben.ID))
	r := nextSnapshot(t, results)
	assert.ErrorIs(t, r.err, apperror.ErrForbidden)
}

func TestWatchRoom_MembersOnly(t *testing.T) {
	env := newTestEnv(t)
	ana, eve := env.user(t, "Ana"), env.user(t, "Eve")
	room := env.room(t, ana, "Den", "ROOM-1234")

	fn, results := collectSnapshots()
	_, err := env.watcher.WatchRoom(context.Background(), eve.ID, room.ID, fn)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Empty(t, results)
	assert.Zero(t, env.broker.Subscribers("room:"+room.ID))
}

func TestWatchRoom_CancelStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	ana, ben := env.user(t, "Ana"), env.user(t, "Ben")
	room := env.room(t, ana, "Den", "ROOM-1234")

	fn, results := collectSnapshots()
	cancel, err := env.watcher.WatchRoom(context.Background(), ana.ID, room.ID, fn)
	require.NoError(t, err)
	cancel()
	cancel()
	require.NoError(t, nextSnapshot(t, results).err)

	env.join(t, ben, room)
	select {
	case r := <-results:
		t.Fatalf("unexpected snapshot after cancel: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

// A change committed while the watch starts never reaches fn ahead of the
// initial snapshot.
func TestWatchRoom_InitialSnapshotComesFirst(t *testing.T) {
	env := newTestEnv(t)
	ana, ben := env.user(t, "Ana"), env.user(t, "Ben")
	room := env.room(t, ana, "Den", "ROOM-1234")

	var mu sync.Mutex
	var sizes []int
	fn := func(snap *model.RoomSnapshot, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		sizes = append(sizes, len(snap.Members))
		mu.Unlock()
	}

	cancel, err := env.watcher.WatchRoom(context.Background(), ana.ID, room.ID, fn)
	require.NoError(t, err)
	defer cancel()

	mu.Lock()
	assert.Equal(t, []int{1}, sizes, "initial snapshot is delivered before WatchRoom returns")
	mu.Unlock()

	env.join(t, ben, room)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, sizes)
	mu.Unlock()
}
