package pg

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfig(t *testing.T) {
	pc, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/coderoom")
	require.NoError(t, err)

	applyConfig(pc, Config{
		MaxConns:        12,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		ApplicationName: "coderoom-service",
	})

	assert.Equal(t, int32(12), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, "coderoom-service", pc.ConnConfig.RuntimeParams["application_name"])
}

func TestApplyConfig_ZeroKeepsDefaults(t *testing.T) {
	pc, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/coderoom?pool_max_conns=7")
	require.NoError(t, err)

	applyConfig(pc, Config{})
	assert.Equal(t, int32(7), pc.MaxConns)
}
