package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/service"
	httpmw "github.com/cwrk-planet/coderoom-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/coderoom-service/pkg/httputil"
)

type RoomService interface {
	CreateRoom(ctx context.Context, owner domain.User, in service.CreateRoomInput) (*domain.Room, error)
	CloseRoom(ctx context.Context, roomID string, requester domain.UserID) error
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	ListActive(ctx context.Context, f repository.ListFilter) (service.RoomsPage, error)
	ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (service.RoomsPage, error)
	JoinRoom(ctx context.Context, roomID string, u domain.User) (*domain.Room, error)
	LeaveRoom(ctx context.Context, roomID string, userID domain.UserID) error
	ChatHistory(ctx context.Context, roomID string, requester domain.UserID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type Handler struct {
	rooms RoomService
}

func NewHandler(rooms RoomService) *Handler {
	return &Handler{rooms: rooms}
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return repository.DefaultPageSize
}

func currentUser(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	u, ok := httpmw.UserFromCtx(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, string(domain.KindAuthentication), "missing user")
	}
	return u, ok
}

func pageResponse(p service.RoomsPage) RoomsListResponse {
	resp := RoomsListResponse{Items: make([]RoomItem, 0, len(p.Rooms)), NextCursor: p.NextCursor}
	for _, s := range p.Rooms {
		resp.Items = append(resp.Items, toRoomItem(s))
	}
	return resp
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid json")
		return
	}
	if req.TimeLimitMinutes < 0 {
		writeError(w, r, "CreateRoom", domain.ErrInvalidConfig)
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), u, service.CreateRoomInput{
		Name:            req.Name,
		ProblemID:       req.ProblemID,
		MaxParticipants: req.MaxParticipants,
		Language:        req.Language,
		TimeLimit:       time.Duration(req.TimeLimitMinutes) * time.Minute,
	})
	if err != nil {
		writeError(w, r, "CreateRoom", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toRoomDetail(room, u.ID))
}

// GET /rooms?problem_id=&language=&limit=&cursor=
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.ListFilter{
		ProblemID: q.Get("problem_id"),
		Limit:     queryLimit(r),
		Cursor:    q.Get("cursor"),
	}
	if s := q.Get("language"); s != "" {
		lang, err := domain.ParseLanguage(s)
		if err != nil {
			writeError(w, r, "ListRooms", err)
			return
		}
		f.Language = lang
	}

	page, err := h.rooms.ListActive(r.Context(), f)
	if err != nil {
		writeError(w, r, "ListRooms", err)
		return
	}
	httputil.JSON(w, http.StatusOK, pageResponse(page))
}

// GET /rooms/mine?limit=&cursor=
func (h *Handler) ListMyRooms(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	page, err := h.rooms.ListForUser(r.Context(), u.ID, queryLimit(r), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, "ListMyRooms", err)
		return
	}
	httputil.JSON(w, http.StatusOK, pageResponse(page))
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	room, err := h.rooms.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "GetRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toRoomDetail(room, u.ID))
}

// POST /rooms/{id}/join, проверка перед входом по сокету.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "id")
	room, err := h.rooms.JoinRoom(r.Context(), roomID, u)
	if err != nil {
		writeError(w, r, "JoinRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, JoinRoomResponse{RoomID: roomID, Room: toRoomDetail(room, u.ID)})
}

// POST /rooms/{id}/leave
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.rooms.LeaveRoom(r.Context(), chi.URLParam(r, "id"), u.ID); err != nil {
		writeError(w, r, "LeaveRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// DELETE /rooms/{id}
func (h *Handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.rooms.CloseRoom(r.Context(), chi.URLParam(r, "id"), u.ID); err != nil {
		writeError(w, r, "CloseRoom", err)
		return
	}
	httputil.NoContent(w)
}

// GET /rooms/{id}/chat?after=&limit=
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "id")
	msgs, next, err := h.rooms.ChatHistory(r.Context(), roomID, u.ID, r.URL.Query().Get("after"), queryLimit(r))
	if err != nil {
		writeError(w, r, "ChatHistory", err)
		return
	}
	resp := ChatHistoryResponse{Items: make([]ChatMessageItem, 0, len(msgs)), NextCursor: next}
	for _, m := range msgs {
		resp.Items = append(resp.Items, ChatMessageItem{
			ID:          m.ID,
			RoomID:      m.RoomID,
			UserID:      m.UserID.String(),
			DisplayName: m.DisplayName,
			Text:        m.Text,
			CreatedAt:   m.CreatedAt.Truncate(time.Millisecond),
		})
	}
	httputil.JSON(w, http.StatusOK, resp)
}
