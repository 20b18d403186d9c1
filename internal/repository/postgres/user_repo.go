package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// UserRepo читает профили из таблицы users, которую ведёт сервис аутентификации.
type UserRepo struct {
	q querier
}

func NewUserRepo(q querier) *UserRepo {
	return &UserRepo{q: q}
}

var _ repository.UserDirectory = (*UserRepo)(nil)

func (r *UserRepo) Profile(ctx context.Context, id domain.UserID) (domain.User, error) {
	var (
		uid         int64
		displayName *string
		avatarURL   *string
	)
	err := r.q.QueryRow(ctx, QueryGetUserProfile, int64(id)).Scan(&uid, &displayName, &avatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, repository.ErrNotFound
		}
		return domain.User{}, mapPgError(err)
	}

	u := domain.User{ID: domain.UserID(uid)}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	return u, nil
}

type ProblemRepo struct {
	q querier
}

func NewProblemRepo(q querier) *ProblemRepo {
	return &ProblemRepo{q: q}
}

func (r *ProblemRepo) Exists(ctx context.Context, problemID string) (bool, error) {
	var ok bool
	if err := r.q.QueryRow(ctx, QueryProblemExists, problemID).Scan(&ok); err != nil {
		return false, mapPgError(err)
	}
	return ok, nil
}
