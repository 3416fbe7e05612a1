package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func newMemoryForTest(_ *testing.T, clock *fakeClock) Store {
	s := NewMemoryStore()
	s.now = clock.Now
	return s
}

func newRedisForTest(t *testing.T, clock *fakeClock) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client)
	s.now = clock.Now
	return s
}

var backends = map[string]storeFactory{
	"memory": newMemoryForTest,
	"redis":  newRedisForTest,
}

// TestStoreContract runs the shared behavioural checks against every backend.
func TestStoreContract(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("first join creates room", func(t *testing.T) {
				testFirstJoinCreatesRoom(t, factory)
			})
			t.Run("create does not overwrite", func(t *testing.T) {
				testCreateDoesNotOverwrite(t, factory)
			})
			t.Run("add then remove restores count", func(t *testing.T) {
				testAddRemoveRestoresCount(t, factory)
			})
			t.Run("empty room is torn down", func(t *testing.T) {
				testEmptyRoomTornDown(t, factory)
			})
			t.Run("rooms ordered by creation", func(t *testing.T) {
				testRoomsOrderedByCreation(t, factory)
			})
			t.Run("remove unknown member", func(t *testing.T) {
				testRemoveUnknownMember(t, factory)
			})
			t.Run("concurrent first joins", func(t *testing.T) {
				testConcurrentFirstJoins(t, factory)
			})
			t.Run("memberless room is not listed", func(t *testing.T) {
				testMemberlessRoomNotListed(t, factory)
			})
		})
	}
}

func testFirstJoinCreatesRoom(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "General"))
	count, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].ID)
	assert.Equal(t, "General", rooms[0].Name)
	assert.Equal(t, int64(1), rooms[0].MemberCount)
	assert.False(t, rooms[0].CreatedAt.IsZero())
}

func testCreateDoesNotOverwrite(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "General"))
	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)

	before, err := s.ListRooms(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "Renamed"))

	after, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "General", after[0].Name)
	assert.True(t, before[0].CreatedAt.Equal(after[0].CreatedAt))
}

func testAddRemoveRestoresCount(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "general"))
	for i := 0; i < 3; i++ {
		_, err := s.AddMember(ctx, "general", fmt.Sprintf("u-%d", i), "user")
		require.NoError(t, err)
	}

	added, err := s.AddMember(ctx, "general", "u-new", "newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(4), added)

	removed, err := s.RemoveMember(ctx, "general", "u-new")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func testEmptyRoomTornDown(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "general"))
	require.NoError(t, s.CreateRoomIfAbsent(ctx, "random", "random"))
	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "random", "u-2", "bob")
	require.NoError(t, err)

	count, err := s.RemoveMember(ctx, "general", "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "random", rooms[0].ID)

	// A later first join recreates the room from scratch.
	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "Second Life"))
	count, err = s.AddMember(ctx, "general", "u-3", "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rooms, err = s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "Second Life", rooms[1].Name)
}

func testRoomsOrderedByCreation(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	for _, roomID := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.CreateRoomIfAbsent(ctx, roomID, roomID))
		_, err := s.AddMember(ctx, roomID, "u-"+roomID, "user")
		require.NoError(t, err)
	}

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "zeta", rooms[0].ID)
	assert.Equal(t, "alpha", rooms[1].ID)
	assert.Equal(t, "mid", rooms[2].ID)
}

func testRemoveUnknownMember(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "general"))
	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)

	count, err := s.RemoveMember(ctx, "general", "u-unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func testConcurrentFirstJoins(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	const joiners = 20
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.CreateRoomIfAbsent(ctx, "general", fmt.Sprintf("name-%d", i)); err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := s.AddMember(ctx, "general", fmt.Sprintf("u-%d", i), "user"); err != nil {
				t.Errorf("add: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(joiners), rooms[0].MemberCount)
}

func testMemberlessRoomNotListed(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, newFakeClock())

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "pending", "pending"))

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = s.AddMember(ctx, "pending", "u-1", "alice")
	require.NoError(t, err)
	rooms, err = s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(1), rooms[0].MemberCount)
}

// failDelHook fails standalone DEL commands and passes everything else,
// including pipelined commands, through.
type failDelHook struct{}

func (failDelHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failDelHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "del" {
			err := errors.New("scripted DEL failure")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failDelHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// TestRedisStoreTeardownFailureKeepsRemoval verifies that a failed room
// teardown still reports the committed removal and hides the leftover room.
func TestRedisStoreTeardownFailureKeepsRemoval(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "General"))
	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)

	client.AddHook(failDelHook{})

	count, err := s.RemoveMember(ctx, "general", "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.True(t, mr.Exists("room_info:general"))
	assert.False(t, mr.Exists("user_data:general:u-1"))

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

// TestRedisStoreKeyLayout verifies the keys written to Redis so that other
// deployments sharing the keyspace see the same records.
func TestRedisStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)

	require.NoError(t, s.CreateRoomIfAbsent(ctx, "general", "General"))
	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	require.NoError(t, err)

	assert.Equal(t, "general", mr.HGet("room_info:general", "id"))
	assert.Equal(t, "General", mr.HGet("room_info:general", "name"))
	assert.NotEmpty(t, mr.HGet("room_info:general", "createdAt"))
	assert.Equal(t, "alice", mr.HGet("user_data:general:u-1", "username"))

	members, err := mr.Members("room_members:general")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, members)

	_, err = s.RemoveMember(ctx, "general", "u-1")
	require.NoError(t, err)
	assert.False(t, mr.Exists("room_info:general"))
	assert.False(t, mr.Exists("room_members:general"))
	assert.False(t, mr.Exists("user_data:general:u-1"))
}

// TestRedisStoreUnavailable verifies that a dead server surfaces as
// ErrUnavailable from every operation.
func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()
	s := NewRedisStore(client)
	mr.Close()

	err := s.CreateRoomIfAbsent(ctx, "general", "general")
	assert.True(t, errors.Is(err, ErrUnavailable), "create: %v", err)

	_, err = s.AddMember(ctx, "general", "u-1", "alice")
	assert.True(t, errors.Is(err, ErrUnavailable), "add: %v", err)

	_, err = s.RemoveMember(ctx, "general", "u-1")
	assert.True(t, errors.Is(err, ErrUnavailable), "remove: %v", err)

	_, err = s.ListRooms(ctx)
	assert.True(t, errors.Is(err, ErrUnavailable), "list: %v", err)

	assert.True(t, errors.Is(s.Ping(ctx), ErrUnavailable))
}

// TestMemoryStoreCancelledContext verifies that a cancelled context fails the
// call without touching state.
func TestMemoryStoreCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AddMember(ctx, "general", "u-1", "alice")
	assert.True(t, errors.Is(err, ErrUnavailable))

	rooms, err := s.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
