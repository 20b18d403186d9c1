package repository

import (
	"errors"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

var (
	ErrNotFound      = errors.New("repository: not found")
	ErrAlreadyExists = errors.New("repository: already exists")
	ErrInvalidInput  = errors.New("repository: invalid input")
)

// Permanent сообщает, что повтор записи ничего не изменит.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidInput)
}
