package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// createScript: 0: ключ уже есть, 1: создан.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIREAT', KEYS[1], ARGV[3]) end
return 1
`)

// saveScript: 0: комнаты нет, 1: версия устарела, 2: записано.
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if cur >= tonumber(ARGV[2]) then return 1 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIREAT', KEYS[1], ARGV[3]) end
return 2
`)

const scanBatch = 100

// Store хранит комнату хешем {data, version} с нативным TTL на ключе;
// лобби и истечение ведутся отдельными sorted set.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(client *redis.Client, keyPrefix string, opts ...Option) *Store {
	if client == nil {
		panic("redis client cannot be nil for room store")
	}
	if keyPrefix == "" {
		keyPrefix = "coderoom:"
	}
	s := &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) roomKey(id string) string { return s.keyPrefix + "room:" + id }
func (s *Store) activeKey() string        { return s.keyPrefix + "rooms:active" }
func (s *Store) expiryKey() string        { return s.keyPrefix + "rooms:expiry" }
func (s *Store) chatIndexKey(id string) string {
	return s.keyPrefix + "room:" + id + ":chat"
}
func (s *Store) chatDataKey(id string) string {
	return s.keyPrefix + "room:" + id + ":chat:data"
}
func (s *Store) userKey(id domain.UserID) string {
	return s.keyPrefix + "user:" + id.String() + ":rooms"
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func expireAt(r *domain.Room) int64 {
	if r.ExpiresAt == nil {
		return 0
	}
	return ms(*r.ExpiresAt)
}

func (s *Store) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("redis: marshal room %s: %w", room.ID, err)
	}
	created, err := createScript.Run(ctx, s.client, []string{s.roomKey(room.ID)},
		string(data), room.Version, expireAt(room)).Int()
	if err != nil {
		return fmt.Errorf("redis: create room %s: %w", room.ID, err)
	}
	if created == 0 {
		return repository.ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.activeKey(), &redis.Z{Score: float64(ms(room.CreatedAt)), Member: room.ID})
	if room.ExpiresAt != nil {
		pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{Score: float64(ms(*room.ExpiresAt)), Member: room.ID})
	}
	s.indexMembers(ctx, pipe, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: index room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) indexMembers(ctx context.Context, pipe redis.Pipeliner, room *domain.Room) {
	pipe.SAdd(ctx, s.userKey(room.HostID), room.ID)
	for _, p := range room.Participants {
		pipe.SAdd(ctx, s.userKey(p.UserID), room.ID)
	}
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Room, error) {
	data, err := s.client.HGet(ctx, s.roomKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, fmt.Errorf("redis: get room %s: %w", id, err)
	}
	var r domain.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: decode room %s: %w", id, err)
	}
	if r.Expired(s.now()) {
		return nil, domain.ErrRoomNotFound
	}
	return &r, nil
}

func (s *Store) Save(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("redis: marshal room %s: %w", room.ID, err)
	}
	res, err := saveScript.Run(ctx, s.client, []string{s.roomKey(room.ID)},
		string(data), room.Version, expireAt(room)).Int()
	if err != nil {
		return fmt.Errorf("redis: save room %s: %w", room.ID, err)
	}
	switch res {
	case 0:
		return domain.ErrRoomNotFound
	case 1:
		return nil
	}

	pipe := s.client.Pipeline()
	s.indexMembers(ctx, pipe, room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: index room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	room, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	n, err := s.remove(ctx, id, room)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// load читает комнату без проверки срока, нужен для очистки индексов.
func (s *Store) load(ctx context.Context, id string) (*domain.Room, error) {
	data, err := s.client.HGet(ctx, s.roomKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get room %s: %w", id, err)
	}
	var r domain.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: decode room %s: %w", id, err)
	}
	return &r, nil
}

// remove удаляет комнату со всеми индексами; возвращает число удалённых ключей комнаты.
func (s *Store) remove(ctx context.Context, id string, room *domain.Room) (int64, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.roomKey(id))
	pipe.Del(ctx, s.chatIndexKey(id), s.chatDataKey(id))
	pipe.ZRem(ctx, s.activeKey(), id)
	pipe.ZRem(ctx, s.expiryKey(), id)
	if room != nil {
		pipe.SRem(ctx, s.userKey(room.HostID), id)
		for _, p := range room.Participants {
			pipe.SRem(ctx, s.userKey(p.UserID), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: delete room %s: %w", id, err)
	}
	return del.Val(), nil
}

func (s *Store) ListActive(ctx context.Context, f repository.ListFilter) (repository.Page, error) {
	cur, err := repository.DecodeCursor(f.Cursor)
	if err != nil {
		return repository.Page{}, err
	}
	limit := repository.ClampLimit(f.Limit)
	upper := "+inf"
	if cur != nil {
		upper = strconv.FormatInt(ms(cur.CreatedAt), 10)
	}

	var out []*domain.Room
	for offset := int64(0); len(out) < limit; offset += scanBatch {
		ids, err := s.client.ZRevRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: scanBatch,
		}).Result()
		if err != nil {
			return repository.Page{}, fmt.Errorf("redis: list active: %w", err)
		}
		rooms, err := s.fetch(ctx, ids)
		if err != nil {
			return repository.Page{}, err
		}
		for _, r := range rooms {
			if !r.IsActive || !cur.Before(r.CreatedAt, r.ID) {
				continue
			}
			if f.ProblemID != "" && r.ProblemID != f.ProblemID {
				continue
			}
			if f.Language != "" && r.Language != f.Language {
				continue
			}
			out = append(out, r)
		}
		if len(ids) < scanBatch {
			break
		}
	}
	sortRooms(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return repository.Page{Rooms: out, NextCursor: repository.RoomsNextCursor(out, limit)}, nil
}

func (s *Store) ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (repository.Page, error) {
	cur, err := repository.DecodeCursor(cursor)
	if err != nil {
		return repository.Page{}, err
	}
	limit = repository.ClampLimit(limit)

	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return repository.Page{}, fmt.Errorf("redis: list user rooms: %w", err)
	}
	rooms, err := s.fetch(ctx, ids)
	if err != nil {
		return repository.Page{}, err
	}
	out := rooms[:0]
	for _, r := range rooms {
		if r.HasMember(userID) && cur.Before(r.CreatedAt, r.ID) {
			out = append(out, r)
		}
	}
	sortRooms(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return repository.Page{Rooms: out, NextCursor: repository.RoomsNextCursor(out, limit)}, nil
}

// fetch читает комнаты пачкой; отсутствующие и истёкшие пропускаются.
func (s *Store) fetch(ctx context.Context, ids []string) ([]*domain.Room, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.roomKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: fetch rooms: %w", err)
	}

	now := s.now()
	out := make([]*domain.Room, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var r domain.Room
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("redis: decode room %s: %w", ids[i], err)
		}
		if r.Expired(now) {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func sortRooms(rooms []*domain.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
		}
		return rooms[i].ID > rooms[j].ID
	})
}

// DeleteExpired снимает индексы комнат, чей срок прошёл. Ключ комнаты к этому
// моменту мог уже удалить сам Redis по TTL, id всё равно возвращается.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(ms(now), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list expired: %w", err)
	}
	for _, id := range ids {
		room, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := s.remove(ctx, id, room); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *Store) Append(ctx context.Context, roomID string, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	exists, err := s.client.Exists(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("redis: append chat %s: %w", roomID, err)
	}
	if exists == 0 {
		return domain.ErrRoomNotFound
	}

	pipe := s.client.TxPipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: marshal message %s: %w", m.ID, err)
		}
		pipe.HSetNX(ctx, s.chatDataKey(roomID), m.ID, data)
		pipe.ZAdd(ctx, s.chatIndexKey(roomID), &redis.Z{Score: float64(ms(m.CreatedAt)), Member: m.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append chat %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	cur, err := repository.DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}
	limit = repository.ClampLimit(limit)
	upper := "+inf"
	if cur != nil {
		upper = strconv.FormatInt(ms(cur.CreatedAt), 10)
	}

	var out []domain.ChatMessage
	for offset := int64(0); len(out) < limit; offset += scanBatch {
		ids, err := s.client.ZRevRangeByScore(ctx, s.chatIndexKey(roomID), &redis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: scanBatch,
		}).Result()
		if err != nil {
			return nil, "", fmt.Errorf("redis: chat history %s: %w", roomID, err)
		}
		if len(ids) == 0 {
			break
		}
		vals, err := s.client.HMGet(ctx, s.chatDataKey(roomID), ids...).Result()
		if err != nil {
			return nil, "", fmt.Errorf("redis: chat history %s: %w", roomID, err)
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var m domain.ChatMessage
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return nil, "", fmt.Errorf("redis: decode message: %w", err)
			}
			if cur.Before(m.CreatedAt, m.ID) {
				out = append(out, m)
			}
		}
		if len(ids) < scanBatch {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, repository.MessagesNextCursor(out, limit), nil
}
