package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope: форма кадра на проводе: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientEvent: закрытое множество входящих событий.
type ClientEvent interface {
	Type() Type
	clientEvent()
}

// RoomScoped: событие, адресованное конкретной комнате.
type RoomScoped interface {
	ClientEvent
	Room() string
}

type DisplayInfo struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
}

type Authenticate struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	// UserDisplayInfo не участвует в идентификации, только подсказка имени.
	UserDisplayInfo *DisplayInfo `json:"userDisplayInfo,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID         string          `json:"roomId"`
	Code           string          `json:"code"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type SendMessage struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	// Username игнорируется: имя берётся из identity.
	Username string `json:"username,omitempty"`
}

type CodeRunResult struct {
	RoomID  string          `json:"roomId"`
	Results json.RawMessage `json:"results"`
}

type CursorMove struct {
	RoomID    string          `json:"roomId"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type LockRoom struct {
	RoomID string `json:"roomId"`
	Locked bool   `json:"locked"`
}

func (Authenticate) Type() Type   { return TypeAuthenticate }
func (JoinRoom) Type() Type       { return TypeJoinRoom }
func (LeaveRoom) Type() Type      { return TypeLeaveRoom }
func (CodeChange) Type() Type     { return TypeCodeChange }
func (LanguageChange) Type() Type { return TypeLanguageChange }
func (SendMessage) Type() Type    { return TypeSendMessage }
func (CodeRunResult) Type() Type  { return TypeCodeRunResult }
func (CursorMove) Type() Type     { return TypeCursorMove }
func (Typing) Type() Type         { return TypeTyping }
func (LockRoom) Type() Type       { return TypeLockRoom }

func (Authenticate) clientEvent()   {}
func (JoinRoom) clientEvent()       {}
func (LeaveRoom) clientEvent()      {}
func (CodeChange) clientEvent()     {}
func (LanguageChange) clientEvent() {}
func (SendMessage) clientEvent()    {}
func (CodeRunResult) clientEvent()  {}
func (CursorMove) clientEvent()     {}
func (Typing) clientEvent()         {}
func (LockRoom) clientEvent()       {}

func (e JoinRoom) Room() string       { return e.RoomID }
func (e LeaveRoom) Room() string      { return e.RoomID }
func (e CodeChange) Room() string     { return e.RoomID }
func (e LanguageChange) Room() string { return e.RoomID }
func (e SendMessage) Room() string    { return e.RoomID }
func (e CodeRunResult) Room() string  { return e.RoomID }
func (e CursorMove) Room() string     { return e.RoomID }
func (e Typing) Room() string         { return e.RoomID }
func (e LockRoom) Room() string       { return e.RoomID }

// DecodeClient разбирает входящий кадр в конкретный вариант события.
func DecodeClient(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAuthenticate:
		return decodePayload[Authenticate](env)
	case TypeJoinRoom:
		return decodePayload[JoinRoom](env)
	case TypeLeaveRoom:
		return decodePayload[LeaveRoom](env)
	case TypeCodeChange:
		return decodePayload[CodeChange](env)
	case TypeLanguageChange:
		return decodePayload[LanguageChange](env)
	case TypeSendMessage:
		return decodePayload[SendMessage](env)
	case TypeCodeRunResult:
		return decodePayload[CodeRunResult](env)
	case TypeCursorMove:
		return decodePayload[CursorMove](env)
	case TypeTyping:
		return decodePayload[Typing](env)
	case TypeLockRoom:
		return decodePayload[LockRoom](env)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodePayload[T ClientEvent](env Envelope) (ClientEvent, error) {
	var v T
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if rs, ok := any(v).(RoomScoped); ok && rs.Room() == "" {
		return nil, fmt.Errorf("%w: %s without roomId", ErrMalformed, env.Type)
	}
	return v, nil
}
