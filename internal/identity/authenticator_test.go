package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/security/securitytest"
)

type stubDirectory struct {
	users map[domain.UserID]domain.User
	err   error
	calls int
}

func (d *stubDirectory) Profile(_ context.Context, id domain.UserID) (domain.User, error) {
	d.calls++
	if d.err != nil {
		return domain.User{}, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return u, nil
}

func TestAuthenticate_ClaimsName(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	dir := &stubDirectory{}
	a := NewAuthenticator(iss.Verifier(), dir)

	u, err := a.Authenticate(context.Background(), iss.Token(t, domain.User{ID: 5, DisplayName: "eve"}))
	require.NoError(t, err)
	assert.Equal(t, domain.User{ID: 5, DisplayName: "eve"}, u)
	assert.Zero(t, dir.calls, "name from claims needs no lookup")
}

func TestAuthenticate_ProfileLookup(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	dir := &stubDirectory{users: map[domain.UserID]domain.User{
		5: {ID: 5, DisplayName: "eve", AvatarURL: "https://cdn/eve.png"},
	}}
	a := NewAuthenticator(iss.Verifier(), dir)

	u, err := a.Authenticate(context.Background(), iss.Token(t, domain.User{ID: 5}))
	require.NoError(t, err)
	assert.Equal(t, "eve", u.DisplayName)
	assert.Equal(t, "https://cdn/eve.png", u.AvatarURL)

	u, err = a.Authenticate(context.Background(), iss.Token(t, domain.User{ID: 6}))
	require.NoError(t, err)
	assert.Equal(t, domain.User{ID: 6}, u)

	dir.err = errors.New("db down")
	u, err = a.Authenticate(context.Background(), iss.Token(t, domain.User{ID: 5}))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(5), u.ID)
}

func TestAuthenticate_BadToken(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	a := NewAuthenticator(iss.Verifier(), nil)

	_, err := a.Authenticate(context.Background(), "garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))
}
