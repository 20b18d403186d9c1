package http

import (
	"encoding/json"
	"time"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

type CreateRoomRequest struct {
	Name            string `json:"name"`
	ProblemID       string `json:"problem_id"`
	MaxParticipants int    `json:"max_participants"`
	Language        string `json:"language,omitempty"`
	// 0 означает срок по умолчанию
	TimeLimitMinutes int `json:"time_limit_minutes,omitempty"`
}

type RoomItem struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ProblemID       string     `json:"problem_id"`
	HostID          string     `json:"host_id"`
	Language        string     `json:"language"`
	MaxParticipants int        `json:"max_participants"`
	ActiveCount     int        `json:"active_count"`
	Locked          bool       `json:"locked"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type RoomsListResponse struct {
	Items      []RoomItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type ParticipantItem struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	IsActive    bool      `json:"is_active"`
	IsHost      bool      `json:"is_host"`
}

type RunResultItem struct {
	UserID     string          `json:"user_id"`
	Results    json.RawMessage `json:"results"`
	ReportedAt time.Time       `json:"reported_at"`
}

// RoomDetail: полная карточка; код и результат видят только участники.
type RoomDetail struct {
	RoomItem
	Participants []ParticipantItem `json:"participants"`
	Code         *string           `json:"code,omitempty"`
	LastResult   *RunResultItem    `json:"last_result,omitempty"`
}

type JoinRoomResponse struct {
	RoomID string     `json:"room_id"`
	Room   RoomDetail `json:"room"`
}

type ChatMessageItem struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatHistoryResponse struct {
	Items      []ChatMessageItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func toRoomItem(s domain.RoomSummary) RoomItem {
	return RoomItem{
		ID:              s.ID,
		Name:            s.Name,
		ProblemID:       s.ProblemID,
		HostID:          s.HostID.String(),
		Language:        string(s.Language),
		MaxParticipants: s.MaxParticipants,
		ActiveCount:     s.ActiveCount,
		Locked:          s.Locked,
		ExpiresAt:       s.ExpiresAt,
		CreatedAt:       s.CreatedAt,
	}
}

func toRoomDetail(r *domain.Room, viewer domain.UserID) RoomDetail {
	d := RoomDetail{
		RoomItem:     toRoomItem(r.Summary()),
		Participants: make([]ParticipantItem, 0, len(r.Participants)),
	}
	for _, p := range r.Participants {
		d.Participants = append(d.Participants, ParticipantItem{
			UserID:      p.UserID.String(),
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			JoinedAt:    p.JoinedAt,
			IsActive:    p.IsActive,
			IsHost:      p.UserID == r.HostID,
		})
	}
	if !r.HasMember(viewer) {
		return d
	}
	code := r.Code
	d.Code = &code
	if r.LastResult != nil {
		d.LastResult = &RunResultItem{
			UserID:     r.LastResult.UserID.String(),
			Results:    r.LastResult.Results,
			ReportedAt: r.LastResult.ReportedAt,
		}
	}
	return d
}
