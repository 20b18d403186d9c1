package grpcx

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cwrk-planet/coderoom-service/internal/catalog"
	"github.com/cwrk-planet/coderoom-service/internal/coordinator"
	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/identity"
	"github.com/cwrk-planet/coderoom-service/internal/persistence"
	"github.com/cwrk-planet/coderoom-service/internal/repository/memory"
	"github.com/cwrk-planet/coderoom-service/internal/security/securitytest"
	"github.com/cwrk-planet/coderoom-service/internal/service"
	"github.com/cwrk-planet/coderoom-service/internal/session"
	"github.com/cwrk-planet/coderoom-service/internal/transport/ws"
)

var (
	alice = domain.User{ID: 1, DisplayName: "alice"}
	bob   = domain.User{ID: 2, DisplayName: "bob"}
)

type grpcEnv struct {
	svc    *service.RoomService
	srv    *Server
	conn   *grpc.ClientConn
	issuer *securitytest.Issuer
}

func newGRPC(t *testing.T) *grpcEnv {
	t.Helper()
	store := memory.New()
	w := persistence.NewWriter(store, persistence.Config{Workers: 1}, nil)
	w.Start()
	reg := session.NewRegistry()
	coord := coordinator.New(store, w, ws.NewRelay(reg, nil), reg, coordinator.Config{Limits: domain.DefaultLimits()})
	svc := service.NewRoomService(store, store, coord, catalog.New(nil), domain.DefaultLimits())
	issuer := securitytest.NewIssuer(t)

	srv := New(svc, identity.NewAuthenticator(issuer.Verifier(), nil), 5*time.Second)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = w.Close(ctx)
	})
	return &grpcEnv{svc: svc, srv: srv, conn: conn, issuer: issuer}
}

func (e *grpcEnv) call(t *testing.T, u *domain.User, method string, req map[string]any) (*structpb.Struct, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if u != nil {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+e.issuer.Token(t, *u))
	}
	in, err := structpb.NewStruct(req)
	require.NoError(t, err)
	out := &structpb.Struct{}
	err = e.conn.Invoke(ctx, "/"+LobbyServiceName+"/"+method, in, out)
	return out, err
}

func (e *grpcEnv) room(t *testing.T, host domain.User) *domain.Room {
	t.Helper()
	r, err := e.svc.CreateRoom(context.Background(), host, service.CreateRoomInput{
		Name: "pair", ProblemID: "two-sum", MaxParticipants: 3,
	})
	require.NoError(t, err)
	return r
}

func TestLobby_RequiresToken(t *testing.T) {
	e := newGRPC(t)
	_, err := e.call(t, nil, "ListActiveRooms", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestLobby_ListAndGet(t *testing.T) {
	e := newGRPC(t)
	r := e.room(t, alice)
	e.room(t, bob)

	out, err := e.call(t, &bob, "ListActiveRooms", map[string]any{"limit": 10})
	require.NoError(t, err)
	assert.Len(t, out.Fields["items"].GetListValue().GetValues(), 2)

	out, err = e.call(t, &alice, "ListUserRooms", nil)
	require.NoError(t, err)
	items := out.Fields["items"].GetListValue().GetValues()
	require.Len(t, items, 1)
	assert.Equal(t, r.ID, items[0].GetStructValue().Fields["id"].GetStringValue())

	out, err = e.call(t, &bob, "GetRoom", map[string]any{"id": r.ID})
	require.NoError(t, err)
	assert.Equal(t, "1", out.Fields["host_id"].GetStringValue())
	assert.Equal(t, float64(3), out.Fields["max_participants"].GetNumberValue())

	_, err = e.call(t, &bob, "GetRoom", map[string]any{"id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = e.call(t, &bob, "ListActiveRooms", map[string]any{"language": "cobol"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLobby_CloseRoom(t *testing.T) {
	e := newGRPC(t)
	r := e.room(t, alice)

	_, err := e.call(t, &bob, "CloseRoom", map[string]any{"id": r.ID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = e.call(t, &alice, "CloseRoom", map[string]any{"id": r.ID})
	require.NoError(t, err)

	_, err = e.call(t, &alice, "GetRoom", map[string]any{"id": r.ID})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth_PersistenceStatus(t *testing.T) {
	e := newGRPC(t)
	hc := healthpb.NewHealthClient(e.conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: PersistenceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	e.srv.SetPersistenceDegraded(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: PersistenceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	e.srv.SetPersistenceDegraded(false)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: PersistenceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
