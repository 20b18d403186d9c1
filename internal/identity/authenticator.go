package identity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/security"
)

type TokenVerifier interface {
	Verify(token string) (*security.AccessClaims, error)
}

// Authenticator превращает access-токен в доменного пользователя.
// Идентификатор берётся только из подписанного sub, профиль берётся из клеймов или users.
type Authenticator struct {
	verifier TokenVerifier
	users    repository.UserDirectory // может быть nil
}

func NewAuthenticator(v TokenVerifier, users repository.UserDirectory) *Authenticator {
	return &Authenticator{verifier: v, users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (domain.User, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return domain.User{}, err
	}
	id, err := security.SubjectAsUserID(claims)
	if err != nil {
		return domain.User{}, err
	}

	u := domain.User{ID: id, DisplayName: claims.Name, AvatarURL: claims.Avatar}
	if u.DisplayName != "" || a.users == nil {
		return u, nil
	}

	p, err := a.users.Profile(ctx, id)
	switch {
	case err == nil:
		u.DisplayName = p.DisplayName
		if u.AvatarURL == "" {
			u.AvatarURL = p.AvatarURL
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		// профиль необязателен: без имени пользователь всё равно может работать
		slog.WarnContext(ctx, "identity: profile lookup failed", "user_id", id, "err", err)
	}
	return u, nil
}
