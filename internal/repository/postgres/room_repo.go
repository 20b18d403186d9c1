package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

type RoomRepo struct {
	q   querier
	now func() time.Time
}

func NewRoomRepo(q querier) *RoomRepo {
	return &RoomRepo{q: q, now: time.Now}
}

// NewRoomRepoFromTx: для составных операций в одной транзакции.
func NewRoomRepoFromTx(tx pgx.Tx) *RoomRepo {
	return NewRoomRepo(tx)
}

var (
	_ repository.RoomRepository = (*RoomRepo)(nil)
	_ repository.ChatArchive    = (*RoomRepo)(nil)
)

// roomArgs раскладывает комнату по колонкам roomColumns. JSONB уходит строкой.
func roomArgs(r *domain.Room) ([]any, error) {
	participants, err := json.Marshal(nonNil(r.Participants))
	if err != nil {
		return nil, fmt.Errorf("marshal participants: %w", err)
	}
	chat, err := json.Marshal(nonNil(r.Chat))
	if err != nil {
		return nil, fmt.Errorf("marshal chat: %w", err)
	}
	history, err := json.Marshal(nonNil(r.CodeHistory))
	if err != nil {
		return nil, fmt.Errorf("marshal code history: %w", err)
	}
	lock, err := json.Marshal(r.Lock)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	var lastResult *string
	if r.LastResult != nil {
		b, err := json.Marshal(r.LastResult)
		if err != nil {
			return nil, fmt.Errorf("marshal last result: %w", err)
		}
		s := string(b)
		lastResult = &s
	}

	return []any{
		r.ID, r.Name, r.ProblemID, int64(r.HostID), r.Code, string(r.Language),
		string(participants), string(chat), string(history), lastResult, string(lock),
		r.IsActive, r.MaxParticipants, r.TimeLimit.Milliseconds(), r.ExpiresAt,
		r.CreatedAt, r.UpdatedAt, r.Version,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var (
		r                                 domain.Room
		hostID                            int64
		language                          string
		participants, chat, history, lock []byte
		lastResult                        []byte
		timeLimitMs                       int64
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.ProblemID, &hostID, &r.Code, &language,
		&participants, &chat, &history, &lastResult, &lock,
		&r.IsActive, &r.MaxParticipants, &timeLimitMs, &r.ExpiresAt,
		&r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.HostID = domain.UserID(hostID)
	r.Language = domain.Language(language)
	r.TimeLimit = time.Duration(timeLimitMs) * time.Millisecond
	if err := json.Unmarshal(participants, &r.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(chat, &r.Chat); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	if err := json.Unmarshal(history, &r.CodeHistory); err != nil {
		return nil, fmt.Errorf("decode code history: %w", err)
	}
	if err := json.Unmarshal(lock, &r.Lock); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	if len(lastResult) > 0 {
		var res domain.RunResult
		if err := json.Unmarshal(lastResult, &res); err != nil {
			return nil, fmt.Errorf("decode last result: %w", err)
		}
		r.LastResult = &res
	}
	return &r, nil
}

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	args, err := roomArgs(room)
	if err != nil {
		return err
	}
	if _, err := r.q.Exec(ctx, QueryCreateRoom, args...); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *RoomRepo) Get(ctx context.Context, id string) (*domain.Room, error) {
	room, err := scanRoom(r.q.QueryRow(ctx, QueryGetRoom, id, r.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, mapPgError(err)
	}
	return room, nil
}

func (r *RoomRepo) Save(ctx context.Context, room *domain.Room) error {
	args, err := roomArgs(room)
	if err != nil {
		return err
	}
	// created_at не перезаписывается: в UPDATE идут все колонки, кроме него
	upd := append(args[:15:15], args[16], args[17])
	tag, err := r.q.Exec(ctx, QuerySaveRoom, upd...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var one int
	err = r.q.QueryRow(ctx, QueryRoomExists, room.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrRoomNotFound
	}
	if err != nil {
		return mapPgError(err)
	}
	// комната есть, версия в базе не старше: устаревшая запись отброшена
	return nil
}

func (r *RoomRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, QueryDeleteRoom, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func cursorArgs(cursor string) (createdAt, id any, err error) {
	cur, err := repository.DecodeCursor(cursor)
	if err != nil {
		return nil, nil, err
	}
	if cur == nil {
		return nil, nil, nil
	}
	return cur.CreatedAt, cur.ID, nil
}

func (r *RoomRepo) ListActive(ctx context.Context, f repository.ListFilter) (repository.Page, error) {
	createdAt, id, err := cursorArgs(f.Cursor)
	if err != nil {
		return repository.Page{}, err
	}
	limit := repository.ClampLimit(f.Limit)

	rows, err := r.q.Query(ctx, QueryListActiveRooms,
		r.now(), f.ProblemID, string(f.Language), createdAt, id, limit)
	if err != nil {
		return repository.Page{}, mapPgError(err)
	}
	return collectRooms(rows, limit)
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (repository.Page, error) {
	createdAt, id, err := cursorArgs(cursor)
	if err != nil {
		return repository.Page{}, err
	}
	limit = repository.ClampLimit(limit)

	rows, err := r.q.Query(ctx, QueryListUserRooms, int64(userID), r.now(), createdAt, id, limit)
	if err != nil {
		return repository.Page{}, mapPgError(err)
	}
	return collectRooms(rows, limit)
}

func collectRooms(rows pgx.Rows, limit int) (repository.Page, error) {
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return repository.Page{}, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return repository.Page{}, mapPgError(err)
	}
	return repository.Page{Rooms: rooms, NextCursor: repository.RoomsNextCursor(rooms, limit)}, nil
}

func (r *RoomRepo) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.q.Query(ctx, QueryDeleteExpiredRooms, now)
	if err != nil {
		return nil, mapPgError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPgError(err)
	}
	return ids, nil
}
