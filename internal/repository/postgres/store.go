package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store: полный набор postgres-репозиториев поверх одного пула.
type Store struct {
	*RoomRepo
	Users    *UserRepo
	Problems *ProblemRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		RoomRepo: NewRoomRepo(pool),
		Users:    NewUserRepo(pool),
		Problems: NewProblemRepo(pool),
	}
}
