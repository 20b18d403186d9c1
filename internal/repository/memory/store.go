package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// Store держит комнаты в памяти процесса. Наружу и внутрь отдаются только копии.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*domain.Room
	chat  map[string][]domain.ChatMessage
	seen  map[string]struct{} // id сообщений в архиве
	now   func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		rooms: make(map[string]*domain.Room),
		chat:  make(map[string][]domain.ChatMessage),
		seen:  make(map[string]struct{}),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) Create(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return repository.ErrAlreadyExists
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok || r.Expired(s.now()) {
		return nil, domain.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Save(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[room.ID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if cur.Version >= room.Version {
		return nil
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return domain.ErrRoomNotFound
	}
	s.deleteLocked(id)
	return nil
}

func (s *Store) deleteLocked(id string) {
	delete(s.rooms, id)
	for _, m := range s.chat[id] {
		delete(s.seen, m.ID)
	}
	delete(s.chat, id)
}

func (s *Store) ListActive(_ context.Context, f repository.ListFilter) (repository.Page, error) {
	return s.list(f.Limit, f.Cursor, func(r *domain.Room) bool {
		if !r.IsActive {
			return false
		}
		if f.ProblemID != "" && r.ProblemID != f.ProblemID {
			return false
		}
		return f.Language == "" || r.Language == f.Language
	})
}

func (s *Store) ListForUser(_ context.Context, userID domain.UserID, limit int, cursor string) (repository.Page, error) {
	return s.list(limit, cursor, func(r *domain.Room) bool { return r.HasMember(userID) })
}

func (s *Store) list(limit int, cursor string, keep func(*domain.Room) bool) (repository.Page, error) {
	cur, err := repository.DecodeCursor(cursor)
	if err != nil {
		return repository.Page{}, err
	}
	limit = repository.ClampLimit(limit)

	s.mu.RLock()
	now := s.now()
	var out []*domain.Room
	for _, r := range s.rooms {
		if r.Expired(now) || !keep(r) || !cur.Before(r.CreatedAt, r.ID) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return repository.Page{Rooms: out, NextCursor: repository.RoomsNextCursor(out, limit)}, nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.rooms {
		if r.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.deleteLocked(id)
	}
	return ids, nil
}

func (s *Store) Append(_ context.Context, roomID string, msgs []domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return domain.ErrRoomNotFound
	}
	for _, m := range msgs {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.chat[roomID] = append(s.chat[roomID], m)
	}
	return nil
}

func (s *Store) History(_ context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	cur, err := repository.DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}
	limit = repository.ClampLimit(limit)

	s.mu.RLock()
	var out []domain.ChatMessage
	for _, m := range s.chat[roomID] {
		if cur.Before(m.CreatedAt, m.ID) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

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
