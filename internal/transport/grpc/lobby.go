package grpcx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/service"
	"github.com/cwrk-planet/coderoom-service/pkg/logger"
)

const LobbyServiceName = "coderoom.v1.LobbyService"

// Lobby: операции лобби для внутренних клиентов (api-gateway).
type Lobby interface {
	ListActive(ctx context.Context, f repository.ListFilter) (service.RoomsPage, error)
	ListForUser(ctx context.Context, userID domain.UserID, limit int, cursor string) (service.RoomsPage, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	CloseRoom(ctx context.Context, roomID string, requester domain.UserID) error
}

type LobbyServer struct {
	lobby Lobby
}

func NewLobbyServer(l Lobby) *LobbyServer {
	return &LobbyServer{lobby: l}
}

// Сообщения: structpb.Struct: поля запроса и ответа в snake_case.
type listRequest struct {
	ProblemID string `json:"problem_id"`
	Language  string `json:"language"`
	Limit     int    `json:"limit"`
	Cursor    string `json:"cursor"`
}

type roomRequest struct {
	ID string `json:"id"`
}

type roomView struct {
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

type listResponse struct {
	Items      []roomView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func toView(s domain.RoomSummary) roomView {
	return roomView{
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

func fromStruct(in *structpb.Struct, dst any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func pageStruct(p service.RoomsPage) (*structpb.Struct, error) {
	resp := listResponse{Items: make([]roomView, 0, len(p.Rooms)), NextCursor: p.NextCursor}
	for _, s := range p.Rooms {
		resp.Items = append(resp.Items, toView(s))
	}
	return toStruct(resp)
}

func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrInvalidInput) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	switch domain.KindOf(err) {
	case domain.KindAuthentication:
		return status.Error(codes.Unauthenticated, err.Error())
	case domain.KindAuthorization:
		return status.Error(codes.PermissionDenied, err.Error())
	case domain.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.KindCapacity:
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		logger.FromContext(ctx).Error("grpc lobby call failed", "err", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func (s *LobbyServer) ListActiveRooms(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	f := repository.ListFilter{ProblemID: req.ProblemID, Limit: req.Limit, Cursor: req.Cursor}
	if req.Language != "" {
		lang, err := domain.ParseLanguage(req.Language)
		if err != nil {
			return nil, mapErr(ctx, err)
		}
		f.Language = lang
	}
	page, err := s.lobby.ListActive(ctx, f)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return pageStruct(page)
}

func (s *LobbyServer) ListUserRooms(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	u, err := userFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	var req listRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	page, err := s.lobby.ListForUser(ctx, u.ID, req.Limit, req.Cursor)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return pageStruct(page)
}

func (s *LobbyServer) GetRoom(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req roomRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	room, err := s.lobby.GetRoom(ctx, req.ID)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return toStruct(toView(room.Summary()))
}

func (s *LobbyServer) CloseRoom(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	u, err := userFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	var req roomRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := s.lobby.CloseRoom(ctx, req.ID, u.ID); err != nil {
		return nil, mapErr(ctx, err)
	}
	return &structpb.Struct{}, nil
}

type lobbyHandler func(s *LobbyServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h lobbyHandler) grpc.MethodDesc {
	full := "/" + LobbyServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*LobbyServer)
			if interceptor == nil {
				return h(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// LobbyServiceDesc регистрируется вручную: сообщения это well-known structpb.
var LobbyServiceDesc = grpc.ServiceDesc{
	ServiceName: LobbyServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListActiveRooms", (*LobbyServer).ListActiveRooms),
		unary("ListUserRooms", (*LobbyServer).ListUserRooms),
		unary("GetRoom", (*LobbyServer).GetRoom),
		unary("CloseRoom", (*LobbyServer).CloseRoom),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coderoom/v1/lobby.proto",
}

func RegisterLobby(s grpc.ServiceRegistrar, l *LobbyServer) {
	s.RegisterService(&LobbyServiceDesc, l)
}
