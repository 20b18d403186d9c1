package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store { return New() })
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := repotest.NewRoom(t, 1, "p", domain.LanguagePython, time.Now(), time.Hour)
	require.NoError(t, s.Create(ctx, r))

	r.Name = "mutated after create"
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "room", got.Name)

	got.Participants[0].DisplayName = "mutated after get"
	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.Participants[0].DisplayName)
}

func TestStore_Clock(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	s := New(WithClock(func() time.Time { return clock }))
	r := repotest.NewRoom(t, 1, "p", domain.LanguagePython, clock, time.Minute)
	require.NoError(t, s.Create(ctx, r))

	_, err := s.Get(ctx, r.ID)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = s.Get(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestStore_AppendToMissingRoom(t *testing.T) {
	err := New().Append(context.Background(), "nope", []domain.ChatMessage{{ID: "m"}})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
