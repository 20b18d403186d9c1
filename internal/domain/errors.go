package domain

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrNotHost        = errors.New("only the host can do this")
	ErrNotParticipant = errors.New("user is not an active participant of the room")

	ErrRoomNotFound    = errors.New("room not found")
	ErrProblemNotFound = errors.New("problem not found")

	ErrRoomFull   = errors.New("room is full")
	ErrRoomLocked = errors.New("room is locked")

	ErrInvalidConfig       = errors.New("invalid room config")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrEmptyMessage        = errors.New("empty message")
	ErrMessageTooLong      = errors.New("message too long")
	ErrCodeTooLarge        = errors.New("code buffer too large")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidText         = errors.New("text contains a NUL character")
)

// Kind: класс ошибки; транспорт по нему выбирает HTTP-статус, gRPC-код или код WS-события.
type Kind string

const (
	KindInternal       Kind = "internal"
	KindAuthentication Kind = "unauthenticated"
	KindAuthorization  Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindCapacity       Kind = "capacity"
	KindValidation     Kind = "invalid"
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return KindAuthentication
	case errors.Is(err, ErrNotHost), errors.Is(err, ErrNotParticipant):
		return KindAuthorization
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrProblemNotFound):
		return KindNotFound
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrRoomLocked):
		return KindCapacity
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrUnsupportedLanguage),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrMessageTooLong),
		errors.Is(err, ErrCodeTooLarge),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrInvalidText):
		return KindValidation
	default:
		return KindInternal
	}
}
