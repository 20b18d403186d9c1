// Package events описывает кадры сокета: {"type": "...", "payload": {...}}.
//
// room-closed отвязывает соединение от комнаты, но сокет не закрывается:
// клиент может сразу прислать join-room в другую комнату. Клиенту, который
// ждёт разрыва после room-closed, достаточно закрыть сокет самому.
package events

type Type string

// client → server
const (
	TypeAuthenticate   Type = "authenticate"
	TypeJoinRoom       Type = "join-room"
	TypeLeaveRoom      Type = "leave-room"
	TypeCodeChange     Type = "code-change"
	TypeLanguageChange Type = "language-change"
	TypeSendMessage    Type = "send-message"
	TypeCodeRunResult  Type = "code-run-result"
	TypeCursorMove     Type = "cursor-move"
	TypeTyping         Type = "typing"
	TypeLockRoom       Type = "lock-room"
)

// server → client
const (
	TypeAuthenticated     Type = "authenticated"
	TypeRoomState         Type = "room-state"
	TypeUserJoined        Type = "user-joined"
	TypeUserLeft          Type = "user-left"
	TypeCodeUpdate        Type = "code-update"
	TypeLanguageUpdated   Type = "language-updated"
	TypeNewMessage        Type = "new-message"
	TypeTestResults       Type = "test-results"
	TypeRoomClosed        Type = "room-closed"
	TypeCursorMoved       Type = "cursor-moved"
	TypeUserTyping        Type = "user-typing"
	TypeLockUpdated       Type = "lock-updated"
	TypePersistenceStatus Type = "persistence-status"
	TypeError             Type = "error"
)
