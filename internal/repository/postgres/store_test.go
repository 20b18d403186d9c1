package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/pg"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/repository/repotest"
)

// Интеграционные тесты идут только при заданном CODEROOM_TEST_POSTGRES_DSN.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CODEROOM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CODEROOM_TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, pg.Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE rooms, room_messages, users, problems`)
	require.NoError(t, err)
	return pool
}

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return NewStore(testPool(t))
	})
}

func TestUserRepo_Profile(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, display_name) VALUES (42, 'ada')`)
	require.NoError(t, err)

	repo := NewUserRepo(pool)
	u, err := repo.Profile(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ada", u.DisplayName)
	assert.Empty(t, u.AvatarURL)

	_, err = repo.Profile(ctx, 43)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestProblemRepo_Exists(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `INSERT INTO problems (id, title) VALUES ('two-sum', 'Two Sum')`)
	require.NoError(t, err)

	repo := NewProblemRepo(pool)
	ok, err := repo.Exists(ctx, "two-sum")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Exists(ctx, "three-sum")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapPgError(t *testing.T) {
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "23505"}), repository.ErrAlreadyExists)
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "23503"}), domain.ErrRoomNotFound)
	for _, code := range []string{"22P02", "23514", "22021", "22P05"} {
		err := mapPgError(&pgconn.PgError{Code: code, Message: "bad"})
		assert.ErrorIs(t, err, repository.ErrInvalidInput, code)
		assert.True(t, repository.Permanent(err), code)
	}

	other := errors.New("boom")
	assert.Equal(t, other, mapPgError(other))
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS rooms")
	assert.Contains(t, schema, "ON DELETE CASCADE")
}
