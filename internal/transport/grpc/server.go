package grpcx

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PersistenceService: имя в health, отражающее состояние хранилища.
const PersistenceService = "coderoom.persistence"

type Server struct {
	GRPC   *grpc.Server
	health *health.Server
}

// New собирает grpc-сервер с лобби и health.
func New(lobby Lobby, auth Authenticator, timeout time.Duration) *Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryServerInterceptor(timeout),
			AuthUnaryInterceptor(auth),
		),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	RegisterLobby(gs, NewLobbyServer(lobby))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(LobbyServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(PersistenceService, healthpb.HealthCheckResponse_SERVING)

	return &Server{GRPC: gs, health: hs}
}

// SetPersistenceDegraded переключает health хранилища.
func (s *Server) SetPersistenceDegraded(degraded bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if degraded {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(PersistenceService, st)
}

// Stop переводит health в NOT_SERVING и мягко останавливает сервер.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.GRPC.GracefulStop()
}
