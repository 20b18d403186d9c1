package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

type stubSource map[string]bool

func (s stubSource) Exists(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.New("db down")
	}
	return s[id], nil
}

func TestCatalog_Check(t *testing.T) {
	ctx := context.Background()
	c := New(stubSource{"two-sum": true})

	assert.NoError(t, c.Check(ctx, "two-sum"))
	assert.ErrorIs(t, c.Check(ctx, "three-sum"), domain.ErrProblemNotFound)
	assert.ErrorIs(t, c.Check(ctx, "  "), domain.ErrProblemNotFound)

	err := c.Check(ctx, "broken")
	assert.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

func TestCatalog_NoSourceAcceptsAny(t *testing.T) {
	c := New(nil)
	assert.NoError(t, c.Check(context.Background(), "anything"))
	assert.ErrorIs(t, c.Check(context.Background(), ""), domain.ErrProblemNotFound)
}
