// Package repotest: общий набор проверок контракта хранилища для всех бэкендов.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

type Factory func(t *testing.T) repository.Store

func NewRoom(t *testing.T, host domain.UserID, problem string, lang domain.Language, created time.Time, ttl time.Duration) *domain.Room {
	t.Helper()
	r, err := domain.NewRoom(uuid.NewString(), domain.User{ID: host, DisplayName: fmt.Sprintf("user-%d", host)},
		"room", problem, domain.RoomConfig{MaxParticipants: 4, Language: lang, TimeLimit: ttl},
		domain.DefaultLimits(), created)
	require.NoError(t, err)
	return r
}

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("SaveVersionGuard", func(t *testing.T) { testSaveVersionGuard(t, newStore(t)) })
	t.Run("DeleteNoResurrect", func(t *testing.T) { testDeleteNoResurrect(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("ListForUser", func(t *testing.T) { testListForUser(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("ChatArchive", func(t *testing.T) { testChatArchive(t, newStore(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func testCreateGet(t *testing.T, s repository.Store) {
	ctx := context.Background()
	r := NewRoom(t, 1, "two-sum", domain.LanguagePython, now(), time.Hour)
	_, err := r.Join(domain.User{ID: 2, DisplayName: "bob"}, now())
	require.NoError(t, err)
	require.NoError(t, r.ChangeCode(2, "print(1)", domain.DefaultLimits(), now()))

	require.NoError(t, s.Create(ctx, r))
	assert.ErrorIs(t, s.Create(ctx, r), repository.ErrAlreadyExists)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.HostID, got.HostID)
	assert.Equal(t, "print(1)", got.Code)
	assert.Equal(t, r.Version, got.Version)
	assert.Len(t, got.Participants, 2)
	assert.True(t, got.IsActiveParticipant(2))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, r.ExpiresAt.Equal(*got.ExpiresAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func testSaveVersionGuard(t *testing.T, s repository.Store) {
	ctx := context.Background()
	r := NewRoom(t, 1, "p", domain.LanguageJava, now(), time.Hour)
	require.NoError(t, s.Create(ctx, r))

	stale := r.Clone()
	_, err := r.Join(domain.User{ID: 1}, now())
	require.NoError(t, err)
	require.NoError(t, r.ChangeCode(1, "v2", domain.DefaultLimits(), now()))
	require.NoError(t, s.Save(ctx, r))

	require.NoError(t, stale.ChangeLanguage(1, domain.LanguageCPP, now()))
	require.Less(t, stale.Version, r.Version)
	require.NoError(t, s.Save(ctx, stale), "stale write is ignored, not an error")

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Code)
	assert.Equal(t, domain.LanguageJava, got.Language)
	assert.Equal(t, r.Version, got.Version)
}

func testDeleteNoResurrect(t *testing.T, s repository.Store) {
	ctx := context.Background()
	r := NewRoom(t, 1, "p", domain.LanguagePython, now(), time.Hour)
	require.NoError(t, s.Create(ctx, r))
	require.NoError(t, s.Delete(ctx, r.ID))
	assert.ErrorIs(t, s.Delete(ctx, r.ID), domain.ErrRoomNotFound)

	_, err := r.Join(domain.User{ID: 1}, now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Save(ctx, r), domain.ErrRoomNotFound)

	_, err = s.Get(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func testListActive(t *testing.T, s repository.Store) {
	ctx := context.Background()
	base := now()
	var ids []string
	for i := 0; i < 5; i++ {
		lang := domain.LanguagePython
		if i%2 == 1 {
			lang = domain.LanguageJava
		}
		r := NewRoom(t, domain.UserID(i+1), "p1", lang, base.Add(time.Duration(i)*time.Second), time.Hour)
		require.NoError(t, s.Create(ctx, r))
		ids = append(ids, r.ID)
	}
	other := NewRoom(t, 9, "p2", domain.LanguagePython, base, time.Hour)
	require.NoError(t, s.Create(ctx, other))

	page, err := s.ListActive(ctx, repository.ListFilter{ProblemID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Rooms, 2)
	assert.Equal(t, ids[4], page.Rooms[0].ID, "newest first")
	assert.Equal(t, ids[3], page.Rooms[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = s.ListActive(ctx, repository.ListFilter{ProblemID: "p1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Rooms, 2)
	assert.Equal(t, ids[2], page.Rooms[0].ID)

	page, err = s.ListActive(ctx, repository.ListFilter{ProblemID: "p1", Language: domain.LanguageJava})
	require.NoError(t, err)
	assert.Len(t, page.Rooms, 2)
	assert.Empty(t, page.NextCursor)

	_, err = s.ListActive(ctx, repository.ListFilter{Cursor: "%%%"})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}

func testListForUser(t *testing.T, s repository.Store) {
	ctx := context.Background()
	hosted := NewRoom(t, 1, "p", domain.LanguagePython, now(), time.Hour)
	require.NoError(t, s.Create(ctx, hosted))

	joined := NewRoom(t, 2, "p", domain.LanguagePython, now().Add(time.Second), time.Hour)
	require.NoError(t, s.Create(ctx, joined))
	_, err := joined.Join(domain.User{ID: 1}, now())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, joined))

	foreign := NewRoom(t, 3, "p", domain.LanguagePython, now(), time.Hour)
	require.NoError(t, s.Create(ctx, foreign))

	page, err := s.ListForUser(ctx, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Rooms, 2)
	assert.Equal(t, joined.ID, page.Rooms[0].ID)
	assert.Equal(t, hosted.ID, page.Rooms[1].ID)
}

func testDeleteExpired(t *testing.T, s repository.Store) {
	ctx := context.Background()
	expired := NewRoom(t, 1, "p", domain.LanguagePython, now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, s.Create(ctx, expired))
	live := NewRoom(t, 2, "p", domain.LanguagePython, now(), time.Hour)
	require.NoError(t, s.Create(ctx, live))

	_, err := s.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound, "expired rooms are not visible")

	ids, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Contains(t, ids, expired.ID)
	assert.NotContains(t, ids, live.ID)

	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)

	ids, err = s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, ids, expired.ID)
}

func testChatArchive(t *testing.T, s repository.Store) {
	ctx := context.Background()
	r := NewRoom(t, 1, "p", domain.LanguagePython, now(), time.Hour)
	require.NoError(t, s.Create(ctx, r))

	base := now()
	var msgs []domain.ChatMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, domain.ChatMessage{
			ID:          uuid.NewString(),
			RoomID:      r.ID,
			UserID:      1,
			DisplayName: "alice",
			Text:        fmt.Sprintf("m%d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.Append(ctx, r.ID, msgs[:3]))
	require.NoError(t, s.Append(ctx, r.ID, msgs), "re-appending is idempotent")

	page, next, err := s.History(ctx, r.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m4", page[0].Text)
	assert.Equal(t, "alice", page[0].DisplayName)
	require.NotEmpty(t, next)

	page, next, err = s.History(ctx, r.ID, next, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Text)
	assert.Equal(t, "m0", page[1].Text)
	assert.Empty(t, next)

	require.NoError(t, s.Delete(ctx, r.ID))
	page, _, err = s.History(ctx, r.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
