package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinParticipants = 2
	MaxParticipants = 10

	maxRoomNameLen = 100
)

type Lock struct {
	Locked   bool       `json:"locked"`
	OwnerID  *UserID    `json:"owner_id,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

type Room struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	ProblemID       string             `json:"problem_id"`
	HostID          UserID             `json:"host_id"`
	Participants    []Participant      `json:"participants"`
	Code            string             `json:"code"`
	Language        Language           `json:"language"`
	Lock            Lock               `json:"lock"`
	Chat            []ChatMessage      `json:"chat"`
	CodeHistory     []CodeHistoryEntry `json:"code_history"`
	LastResult      *RunResult         `json:"last_result,omitempty"`
	IsActive        bool               `json:"is_active"`
	MaxParticipants int                `json:"max_participants"`
	TimeLimit       time.Duration      `json:"time_limit"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	// Version растёт на каждой мутации; хранилище не принимает запись со старой версией.
	Version int64 `json:"version"`
}

type RoomConfig struct {
	MaxParticipants int
	Language        Language
	TimeLimit       time.Duration
}

// Limits: ограничения живого состояния комнаты.
type Limits struct {
	ChatTail       int
	CodeHistory    int
	MaxCodeBytes   int
	MaxMessageLen  int
	DefaultRoomTTL time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		ChatTail:       200,
		CodeHistory:    50,
		MaxCodeBytes:   256 << 10,
		MaxMessageLen:  4000,
		DefaultRoomTTL: 24 * time.Hour,
	}
}

func (c RoomConfig) Validate() error {
	if c.MaxParticipants < MinParticipants || c.MaxParticipants > MaxParticipants {
		return ErrInvalidConfig
	}
	if c.TimeLimit < 0 {
		return ErrInvalidConfig
	}
	if c.Language != "" && !c.Language.Valid() {
		return ErrUnsupportedLanguage
	}
	return nil
}

// NewRoom создаёт активную комнату, где владелец: хост и единственный участник.
func NewRoom(id string, owner User, name, problemID string, cfg RoomConfig, lim Limits, now time.Time) (*Room, error) {
	name = strings.TrimSpace(name)
	problemID = strings.TrimSpace(problemID)
	if id == "" || owner.ID == 0 || name == "" || utf8.RuneCountInString(name) > maxRoomNameLen || problemID == "" {
		return nil, ErrInvalidConfig
	}
	if hasNUL(name) || hasNUL(problemID) {
		return nil, ErrInvalidText
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}

	ttl := cfg.TimeLimit
	if ttl == 0 {
		ttl = lim.DefaultRoomTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	return &Room{
		ID:        id,
		Name:      name,
		ProblemID: problemID,
		HostID:    owner.ID,
		Participants: []Participant{{
			UserID:      owner.ID,
			DisplayName: stripNUL(owner.DisplayName),
			AvatarURL:   stripNUL(owner.AvatarURL),
			JoinedAt:    now,
		}},
		Language:        cfg.Language,
		IsActive:        true,
		MaxParticipants: cfg.MaxParticipants,
		TimeLimit:       cfg.TimeLimit,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}, nil
}

func (r *Room) IsHost(id UserID) bool { return r.HostID == id }

func (r *Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func (r *Room) participant(id UserID) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == id {
			return &r.Participants[i]
		}
	}
	return nil
}

func (r *Room) IsActiveParticipant(id UserID) bool {
	p := r.participant(id)
	return p != nil && p.IsActive
}

func (r *Room) ActiveCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// occupancy считает занятые места: активные участники плюс место хоста,
// которое держится за ним, даже пока он не подключён.
func (r *Room) occupancy() int {
	n := 0
	for _, p := range r.Participants {
		if p.IsActive || p.UserID == r.HostID {
			n++
		}
	}
	return n
}

// CanJoin проверяет предусловия входа, ничего не меняя.
func (r *Room) CanJoin(id UserID, now time.Time) error {
	if !r.IsActive || r.Expired(now) {
		return ErrRoomNotFound
	}
	if r.IsHost(id) || r.IsActiveParticipant(id) {
		return nil
	}
	if r.Lock.Locked {
		return ErrRoomLocked
	}
	if r.occupancy() >= r.MaxParticipants {
		return ErrRoomFull
	}
	return nil
}

// Join добавляет участника или реактивирует существующую запись.
func (r *Room) Join(u User, now time.Time) (Participant, error) {
	if err := r.CanJoin(u.ID, now); err != nil {
		return Participant{}, err
	}

	p := r.participant(u.ID)
	if p == nil {
		r.Participants = append(r.Participants, Participant{
			UserID:      u.ID,
			DisplayName: stripNUL(u.DisplayName),
			AvatarURL:   stripNUL(u.AvatarURL),
			JoinedAt:    now,
			IsActive:    true,
		})
		p = &r.Participants[len(r.Participants)-1]
	} else {
		if !p.IsActive {
			p.JoinedAt = now
		}
		p.IsActive = true
		if u.DisplayName != "" {
			p.DisplayName = stripNUL(u.DisplayName)
		}
		if u.AvatarURL != "" {
			p.AvatarURL = stripNUL(u.AvatarURL)
		}
	}
	r.touch(now)

	return *p, nil
}

// Leave помечает участника неактивным; запись остаётся в истории. Хост не передаётся.
func (r *Room) Leave(id UserID, now time.Time) bool {
	p := r.participant(id)
	if p == nil || !p.IsActive {
		return false
	}
	p.IsActive = false
	r.touch(now)
	return true
}

func (r *Room) ChangeCode(id UserID, code string, lim Limits, now time.Time) error {
	if !r.IsActiveParticipant(id) {
		return ErrNotParticipant
	}
	if lim.MaxCodeBytes > 0 && len(code) > lim.MaxCodeBytes {
		return ErrCodeTooLarge
	}
	if hasNUL(code) {
		return ErrInvalidText
	}
	r.Code = code
	if lim.CodeHistory > 0 {
		r.CodeHistory = append(r.CodeHistory, CodeHistoryEntry{UserID: id, Code: code, CreatedAt: now})
		if over := len(r.CodeHistory) - lim.CodeHistory; over > 0 {
			r.CodeHistory = append([]CodeHistoryEntry(nil), r.CodeHistory[over:]...)
		}
	}
	r.touch(now)
	return nil
}

func (r *Room) ChangeLanguage(id UserID, lang Language, now time.Time) error {
	if !r.IsHost(id) {
		return ErrNotHost
	}
	if !lang.Valid() {
		return ErrUnsupportedLanguage
	}
	r.Language = lang
	r.touch(now)
	return nil
}

func (r *Room) AddMessage(u User, msgID, text string, lim Limits, now time.Time) (ChatMessage, error) {
	p := r.participant(u.ID)
	if p == nil || !p.IsActive {
		return ChatMessage{}, ErrNotParticipant
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, ErrEmptyMessage
	}
	if lim.MaxMessageLen > 0 && utf8.RuneCountInString(text) > lim.MaxMessageLen {
		return ChatMessage{}, ErrMessageTooLong
	}
	if hasNUL(text) {
		return ChatMessage{}, ErrInvalidText
	}

	name := stripNUL(u.DisplayName)
	if name == "" {
		name = p.DisplayName
	}
	msg := ChatMessage{
		ID:          msgID,
		RoomID:      r.ID,
		UserID:      u.ID,
		DisplayName: name,
		Text:        text,
		CreatedAt:   now,
	}
	r.Chat = append(r.Chat, msg)
	if lim.ChatTail > 0 {
		if over := len(r.Chat) - lim.ChatTail; over > 0 {
			r.Chat = append([]ChatMessage(nil), r.Chat[over:]...)
		}
	}
	r.touch(now)
	return msg, nil
}

func (r *Room) SetRunResult(id UserID, results json.RawMessage, now time.Time) (RunResult, error) {
	if !r.IsActiveParticipant(id) {
		return RunResult{}, ErrNotParticipant
	}
	// jsonb не принимает \u0000
	if bytes.Contains(results, []byte(`\u0000`)) {
		return RunResult{}, ErrInvalidPayload
	}
	res := RunResult{
		UserID:     id,
		Results:    append(json.RawMessage(nil), results...),
		ReportedAt: now,
	}
	r.LastResult = &res
	r.touch(now)
	return res, nil
}

// SetLock: только хост; владелец блокировки всегда один: тот, кто её поставил.
func (r *Room) SetLock(id UserID, locked bool, now time.Time) error {
	if !r.IsHost(id) {
		return ErrNotHost
	}
	if locked {
		owner := id
		at := now
		r.Lock = Lock{Locked: true, OwnerID: &owner, LockedAt: &at}
	} else {
		r.Lock = Lock{}
	}
	r.touch(now)
	return nil
}

// Deactivate закрывает комнату: все участники отключены, вход невозможен.
func (r *Room) Deactivate(now time.Time) {
	r.IsActive = false
	for i := range r.Participants {
		r.Participants[i].IsActive = false
	}
	r.touch(now)
}

// Postgres не хранит NUL ни в text, ни в jsonb.
func hasNUL(s string) bool { return strings.IndexByte(s, 0) >= 0 }

func stripNUL(s string) string { return strings.ReplaceAll(s, "\x00", "") }

func (r *Room) touch(now time.Time) {
	r.UpdatedAt = now
	r.Version++
}

// Clone возвращает глубокую копию; снапшоты наружу отдаются только так.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Participants = append([]Participant(nil), r.Participants...)
	c.Chat = append([]ChatMessage(nil), r.Chat...)
	c.CodeHistory = append([]CodeHistoryEntry(nil), r.CodeHistory...)
	if r.LastResult != nil {
		res := *r.LastResult
		res.Results = append(json.RawMessage(nil), r.LastResult.Results...)
		c.LastResult = &res
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.Lock.OwnerID != nil {
		o := *r.Lock.OwnerID
		c.Lock.OwnerID = &o
	}
	if r.Lock.LockedAt != nil {
		t := *r.Lock.LockedAt
		c.Lock.LockedAt = &t
	}
	return &c
}

// RoomSummary: облегчённое представление для лобби.
type RoomSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ProblemID       string     `json:"problem_id"`
	HostID          UserID     `json:"host_id"`
	Language        Language   `json:"language"`
	MaxParticipants int        `json:"max_participants"`
	ActiveCount     int        `json:"active_count"`
	Locked          bool       `json:"locked"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (r *Room) Summary() RoomSummary {
	s := RoomSummary{
		ID:              r.ID,
		Name:            r.Name,
		ProblemID:       r.ProblemID,
		HostID:          r.HostID,
		Language:        r.Language,
		MaxParticipants: r.MaxParticipants,
		ActiveCount:     r.ActiveCount(),
		Locked:          r.Lock.Locked,
		CreatedAt:       r.CreatedAt,
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		s.ExpiresAt = &t
	}
	return s
}

func (r *Room) HasMember(id UserID) bool {
	return r.IsHost(id) || r.participant(id) != nil
}
