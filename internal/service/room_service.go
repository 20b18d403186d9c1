package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwrk-planet/coderoom-service/internal/coordinator"
	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// Coordinator: то, что сервису нужно от живых комнат.
type Coordinator interface {
	CheckJoin(ctx context.Context, roomID string, userID domain.UserID) error
	Leave(ctx context.Context, roomID string, userID domain.UserID) error
	Close(ctx context.Context, roomID string, userID domain.UserID) error
	Expire(ctx context.Context, roomID, reason string) error
	SweepLive(ctx context.Context, now time.Time) []string
	SnapshotIfLive(ctx context.Context, roomID string) (*domain.Room, bool, error)
	Live() map[string]coordinator.LiveSummary
}

type ProblemCatalog interface {
	Check(ctx context.Context, problemID string) error
}

type CreateRoomInput struct {
	Name            string
	ProblemID       string
	MaxParticipants int
	Language        string
	TimeLimit       time.Duration
}

type RoomsPage struct {
	Rooms      []domain.RoomSummary
	NextCursor string
}

// RoomService: жизненный цикл комнат: создание, закрытие, истечение и лобби.
type RoomService struct {
	rooms   repository.RoomRepository
	chat    repository.ChatArchive
	coord   Coordinator
	catalog ProblemCatalog
	lim     domain.Limits
	now     func() time.Time
	tracer  trace.Tracer
}

func NewRoomService(rooms repository.RoomRepository, chat repository.ChatArchive, coord Coordinator, catalog ProblemCatalog, lim domain.Limits) *RoomService {
	return &RoomService{
		rooms:   rooms,
		chat:    chat,
		coord:   coord,
		catalog: catalog,
		lim:     lim,
		now:     time.Now,
		tracer:  otel.Tracer("coderoom/service"),
	}
}

func (s *RoomService) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "RoomService."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateRoom создаёт комнату, где владелец становится хостом и единственным участником.
func (s *RoomService) CreateRoom(ctx context.Context, owner domain.User, in CreateRoomInput) (room *domain.Room, err error) {
	ctx, span := s.span(ctx, "CreateRoom",
		attribute.Int64("user.id", int64(owner.ID)),
		attribute.String("problem.id", in.ProblemID))
	defer func() { finish(span, err) }()

	var lang domain.Language
	if strings.TrimSpace(in.Language) != "" {
		if lang, err = domain.ParseLanguage(in.Language); err != nil {
			return nil, err
		}
	}
	room, err = domain.NewRoom(uuid.NewString(), owner, in.Name, in.ProblemID, domain.RoomConfig{
		MaxParticipants: in.MaxParticipants,
		Language:        lang,
		TimeLimit:       in.TimeLimit,
	}, s.lim, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Check(ctx, room.ProblemID); err != nil {
		return nil, err
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("rooms.Create: %w", err)
	}
	span.SetAttributes(attribute.String("room.id", room.ID))
	return room, nil
}

// CloseRoom доступен только хосту. Закрытие уже удалённой комнаты ничего не делает.
func (s *RoomService) CloseRoom(ctx context.Context, roomID string, requester domain.UserID) (err error) {
	ctx, span := s.span(ctx, "CloseRoom", attribute.String("room.id", roomID))
	defer func() { finish(span, err) }()

	err = s.coord.Close(ctx, roomID, requester)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil
	}
	return err
}

// ExpireSweep удаляет истёкшие комнаты из хранилища и гасит живые; возвращает их число.
func (s *RoomService) ExpireSweep(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := s.span(ctx, "ExpireSweep")
	defer func() {
		span.SetAttributes(attribute.Int("rooms.expired", n))
		finish(span, err)
	}()

	ids, err := s.rooms.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("rooms.DeleteExpired: %w", err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
		if err := s.coord.Expire(ctx, id, events.ReasonExpired); err != nil {
			return len(seen), fmt.Errorf("expire %s: %w", id, err)
		}
	}
	for _, id := range s.coord.SweepLive(ctx, now) {
		seen[id] = struct{}{}
	}
	return len(seen), nil
}

// GetRoom отдаёт живое состояние, если комната в памяти, иначе из хранилища.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (room *domain.Room, err error) {
	ctx, span := s.span(ctx, "GetRoom", attribute.String("room.id", roomID))
	defer func() { finish(span, err) }()

	room, live, err := s.coord.SnapshotIfLive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if live {
		return room, nil
	}
	room, err = s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	// без живого актора подключённых нет
	for i := range room.Participants {
		room.Participants[i].IsActive = false
	}
	return room, nil
}

func (s *RoomService) ListActive(ctx context.Context, f repository.ListFilter) (page RoomsPage, err error) {
	ctx, span := s.span(ctx, "ListActive", attribute.String("problem.id", f.ProblemID))
	defer func() { finish(span, err) }()

	p, err := s.rooms.ListActive(ctx, f)
	if err != nil {
		return RoomsPage{}, err
	}
	return s.summarize(p), nil
}

func (s *RoomService) ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (page RoomsPage, err error) {
	ctx, span := s.span(ctx, "ListForUser", attribute.Int64("user.id", int64(userID)))
	defer func() { finish(span, err) }()

	p, err := s.rooms.ListForUser(ctx, userID, limit, cursor)
	if err != nil {
		return RoomsPage{}, err
	}
	return s.summarize(p), nil
}

// summarize накладывает на страницу живые счётчики участников.
func (s *RoomService) summarize(p repository.Page) RoomsPage {
	live := s.coord.Live()
	out := RoomsPage{Rooms: make([]domain.RoomSummary, 0, len(p.Rooms)), NextCursor: p.NextCursor}
	for _, r := range p.Rooms {
		sum := r.Summary()
		sum.ActiveCount = live[r.ID].ActiveCount
		out.Rooms = append(out.Rooms, sum)
	}
	return out
}

// JoinRoom: предварительная проверка перед входом по сокету.
func (s *RoomService) JoinRoom(ctx context.Context, roomID string, u domain.User) (room *domain.Room, err error) {
	ctx, span := s.span(ctx, "JoinRoom",
		attribute.String("room.id", roomID),
		attribute.Int64("user.id", int64(u.ID)))
	defer func() { finish(span, err) }()

	if err := s.coord.CheckJoin(ctx, roomID, u.ID); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, roomID)
}

func (s *RoomService) LeaveRoom(ctx context.Context, roomID string, userID domain.UserID) (err error) {
	ctx, span := s.span(ctx, "LeaveRoom", attribute.String("room.id", roomID))
	defer func() { finish(span, err) }()

	return s.coord.Leave(ctx, roomID, userID)
}

// ChatHistory: полный архив чата; доступен хосту и участникам комнаты.
func (s *RoomService) ChatHistory(ctx context.Context, roomID string, requester domain.UserID, after string, limit int) (msgs []domain.ChatMessage, next string, err error) {
	ctx, span := s.span(ctx, "ChatHistory", attribute.String("room.id", roomID))
	defer func() { finish(span, err) }()

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	if !room.HasMember(requester) {
		return nil, "", domain.ErrNotParticipant
	}
	return s.chat.History(ctx, roomID, after, limit)
}
