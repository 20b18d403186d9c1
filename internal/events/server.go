package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

// ServerEvent: закрытое множество исходящих событий.
type ServerEvent interface {
	Type() Type
	serverEvent()
}

type ParticipantView struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
	IsActive  bool      `json:"isActive"`
	IsHost    bool      `json:"isHost"`
}

type MessageView struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type LockView struct {
	Locked  bool   `json:"locked"`
	OwnerID string `json:"ownerId,omitempty"`
}

type ResultView struct {
	UserID     string          `json:"userId"`
	Results    json.RawMessage `json:"results"`
	ReportedAt time.Time       `json:"reportedAt"`
}

type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type RoomState struct {
	RoomID          string            `json:"roomId"`
	Name            string            `json:"name"`
	ProblemID       string            `json:"problemId"`
	HostID          string            `json:"hostId"`
	Code            string            `json:"code"`
	Language        string            `json:"language"`
	Participants    []ParticipantView `json:"participants"`
	ChatHistory     []MessageView     `json:"chatHistory"`
	Lock            LockView          `json:"lock"`
	LastResult      *ResultView       `json:"lastResult,omitempty"`
	MaxParticipants int               `json:"maxParticipants"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty"`
}

type UserJoined struct {
	UserID   string          `json:"userId"`
	UserData ParticipantView `json:"userData"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type CodeUpdate struct {
	Code           string          `json:"code"`
	UserID         string          `json:"userId"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
}

type LanguageUpdated struct {
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type NewMessage struct {
	MessageView
}

type TestResults struct {
	ResultView
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type CursorMoved struct {
	UserID    string          `json:"userId"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type LockUpdated struct {
	LockView
}

type PersistenceStatus struct {
	Degraded bool `json:"degraded"`
}

// Error: отказ в ответ на конкретный запрос клиента.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType Type   `json:"requestType,omitempty"`
}

func (Authenticated) Type() Type     { return TypeAuthenticated }
func (RoomState) Type() Type         { return TypeRoomState }
func (UserJoined) Type() Type        { return TypeUserJoined }
func (UserLeft) Type() Type          { return TypeUserLeft }
func (CodeUpdate) Type() Type        { return TypeCodeUpdate }
func (LanguageUpdated) Type() Type   { return TypeLanguageUpdated }
func (NewMessage) Type() Type        { return TypeNewMessage }
func (TestResults) Type() Type       { return TypeTestResults }
func (RoomClosed) Type() Type        { return TypeRoomClosed }
func (CursorMoved) Type() Type       { return TypeCursorMoved }
func (UserTyping) Type() Type        { return TypeUserTyping }
func (LockUpdated) Type() Type       { return TypeLockUpdated }
func (PersistenceStatus) Type() Type { return TypePersistenceStatus }
func (Error) Type() Type             { return TypeError }

func (Authenticated) serverEvent()     {}
func (RoomState) serverEvent()         {}
func (UserJoined) serverEvent()        {}
func (UserLeft) serverEvent()          {}
func (CodeUpdate) serverEvent()        {}
func (LanguageUpdated) serverEvent()   {}
func (NewMessage) serverEvent()        {}
func (TestResults) serverEvent()       {}
func (RoomClosed) serverEvent()        {}
func (CursorMoved) serverEvent()       {}
func (UserTyping) serverEvent()        {}
func (LockUpdated) serverEvent()       {}
func (PersistenceStatus) serverEvent() {}
func (Error) serverEvent()             {}

// Encode упаковывает событие в конверт.
func Encode(ev ServerEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), Payload: payload})
}

// Reasons для room-closed.
const (
	ReasonClosedByHost = "closed_by_host"
	ReasonExpired      = "expired"
)

func NewParticipantView(p domain.Participant, hostID domain.UserID) ParticipantView {
	return ParticipantView{
		UserID:    p.UserID.String(),
		Username:  p.DisplayName,
		AvatarURL: p.AvatarURL,
		JoinedAt:  p.JoinedAt,
		IsActive:  p.IsActive,
		IsHost:    p.UserID == hostID,
	}
}

func NewMessageView(m domain.ChatMessage) MessageView {
	return MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID.String(),
		Username:  m.DisplayName,
		Message:   m.Text,
		Timestamp: m.CreatedAt,
	}
}

func NewLockView(l domain.Lock) LockView {
	v := LockView{Locked: l.Locked}
	if l.OwnerID != nil {
		v.OwnerID = l.OwnerID.String()
	}
	return v
}

func NewResultView(r domain.RunResult) ResultView {
	return ResultView{
		UserID:     r.UserID.String(),
		Results:    r.Results,
		ReportedAt: r.ReportedAt,
	}
}

// NewRoomState строит полный снапшот для только что вошедшего клиента.
func NewRoomState(r *domain.Room) RoomState {
	st := RoomState{
		RoomID:          r.ID,
		Name:            r.Name,
		ProblemID:       r.ProblemID,
		HostID:          r.HostID.String(),
		Code:            r.Code,
		Language:        string(r.Language),
		Participants:    make([]ParticipantView, 0, len(r.Participants)),
		ChatHistory:     make([]MessageView, 0, len(r.Chat)),
		Lock:            NewLockView(r.Lock),
		MaxParticipants: r.MaxParticipants,
		ExpiresAt:       r.ExpiresAt,
	}
	for _, p := range r.Participants {
		st.Participants = append(st.Participants, NewParticipantView(p, r.HostID))
	}
	for _, m := range r.Chat {
		st.ChatHistory = append(st.ChatHistory, NewMessageView(m))
	}
	if r.LastResult != nil {
		res := NewResultView(*r.LastResult)
		st.LastResult = &res
	}
	return st
}

// ErrorFrom переводит доменную ошибку в событие error.
func ErrorFrom(err error, req Type) Error {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		msg = "internal error"
	}
	return Error{Code: string(kind), Message: msg, RequestType: req}
}
