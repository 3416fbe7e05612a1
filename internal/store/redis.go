package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes. They match the layout used by earlier deployments so mixed
// fleets share one keyspace.
const (
	roomInfoPrefix    = "room_info:"
	roomMembersPrefix = "room_members:"
	userDataPrefix    = "user_data:"
)

const (
	createdAtLayout = "2006-01-02T15:04:05.000Z07:00"
	scanBatchSize   = 100
)

// createRoomScript writes the room hash only when it is absent, so two
// instances racing on a first join cannot both write name and createdAt.
var createRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'name', ARGV[2], 'createdAt', ARGV[3])
return 1
`)

// RedisStore is a Store backed by Redis hashes and sets:
//
//	room_info:<room>          hash {id, name, createdAt}
//	room_members:<room>       set of user ids
//	user_data:<room>:<user>   hash {username, joinedAt}
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore returns a RedisStore using client. The store does not take
// ownership of client unless Close is called.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Ping checks connectivity with the backing server.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// CreateRoomIfAbsent implements Store.
func (s *RedisStore) CreateRoomIfAbsent(ctx context.Context, roomID, name string) error {
	createdAt := s.now().UTC().Format(createdAtLayout)
	err := createRoomScript.Run(ctx, s.client, []string{roomInfoKey(roomID)}, roomID, name, createdAt).Err()
	if err != nil {
		return unavailable("create room "+roomID, err)
	}
	return nil
}

// AddMember implements Store.
func (s *RedisStore) AddMember(ctx context.Context, roomID, userID, username string) (int64, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, roomMembersKey(roomID), userID)
		pipe.HSet(ctx, userDataKey(roomID, userID),
			"username", username,
			"joinedAt", s.now().UTC().Format(createdAtLayout),
		)
		card = pipe.SCard(ctx, roomMembersKey(roomID))
		return nil
	})
	if err != nil {
		return 0, unavailable("add member to "+roomID, err)
	}
	return card.Val(), nil
}

// RemoveMember implements Store. The member removal is atomic; the teardown
// that follows a zero count is a separate, best-effort call. A failed
// teardown still reports the committed removal, and ListRooms hides the
// leftover memberless record.
func (s *RedisStore) RemoveMember(ctx context.Context, roomID, userID string) (int64, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, roomMembersKey(roomID), userID)
		pipe.Del(ctx, userDataKey(roomID, userID))
		card = pipe.SCard(ctx, roomMembersKey(roomID))
		return nil
	})
	if err != nil {
		return 0, unavailable("remove member from "+roomID, err)
	}

	count := card.Val()
	if count == 0 {
		_ = s.client.Del(ctx, roomMembersKey(roomID), roomInfoKey(roomID)).Err()
	}
	return count, nil
}

// ListRooms implements Store. It scans every room record, which is fine for
// moderate room counts.
func (s *RedisStore) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, roomInfoPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan rooms", err)
	}

	rooms := make([]RoomInfo, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		roomID := strings.TrimPrefix(key, roomInfoPrefix)
		// SCAN may return a key more than once.
		if _, dup := seen[roomID]; dup {
			continue
		}
		seen[roomID] = struct{}{}

		info, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, unavailable("read room "+roomID, err)
		}
		// Deleted between SCAN and HGETALL.
		if info["id"] == "" {
			continue
		}

		count, err := s.client.SCard(ctx, roomMembersKey(roomID)).Result()
		if err != nil {
			return nil, unavailable("count members of "+roomID, err)
		}
		if count == 0 {
			continue
		}

		createdAt, _ := time.Parse(time.RFC3339Nano, info["createdAt"])
		rooms = append(rooms, RoomInfo{
			ID:          roomID,
			Name:        info["name"],
			MemberCount: count,
			CreatedAt:   createdAt,
		})
	}

	sortRooms(rooms)
	return rooms, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func roomInfoKey(roomID string) string {
	return roomInfoPrefix + roomID
}

func roomMembersKey(roomID string) string {
	return roomMembersPrefix + roomID
}

func userDataKey(roomID, userID string) string {
	return userDataPrefix + roomID + ":" + userID
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
