package repository

import (
	"context"
	"time"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

type ListFilter struct {
	ProblemID string
	Language  domain.Language
	Limit     int
	Cursor    string
}

type Page struct {
	Rooms      []*domain.Room
	NextCursor string
}

// RoomRepository: долговременное хранилище комнат.
//
// Save применяется, только если сохранённая версия меньше room.Version:
// устаревшая запись молча отбрасывается, а удалённая комната не воскресает (ErrRoomNotFound).
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, id string) (*domain.Room, error)
	Save(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context, f ListFilter) (Page, error)
	ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (Page, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// ChatArchive хранит полный лог чата; Append идемпотентен по id сообщения.
type ChatArchive interface {
	Append(ctx context.Context, roomID string, msgs []domain.ChatMessage) error
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type UserDirectory interface {
	Profile(ctx context.Context, id domain.UserID) (domain.User, error)
}

// Store: всё, что нужно сервису от бэкенда.
type Store interface {
	RoomRepository
	ChatArchive
}

func nextCursor[T any](items []T, limit int, key func(T) Cursor) string {
	if limit <= 0 || len(items) < limit {
		return ""
	}
	return EncodeCursor(key(items[len(items)-1]))
}

// RoomsNextCursor: курсор следующей страницы, если страница заполнена.
func RoomsNextCursor(rooms []*domain.Room, limit int) string {
	return nextCursor(rooms, limit, func(r *domain.Room) Cursor {
		return Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
}

func MessagesNextCursor(msgs []domain.ChatMessage, limit int) string {
	return nextCursor(msgs, limit, func(m domain.ChatMessage) Cursor {
		return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})
}
