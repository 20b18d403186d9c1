package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/persistence"
	"github.com/cwrk-planet/coderoom-service/internal/repository/memory"
	"github.com/cwrk-planet/coderoom-service/internal/session"
)

type recConn struct {
	id string
	mu sync.Mutex
	ev []events.ServerEvent
}

func newConn() *recConn { return &recConn{id: uuid.NewString()} }

func (c *recConn) ID() string { return c.id }

func (c *recConn) Send(ev events.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ev = append(c.ev, ev)
	return nil
}

func (c *recConn) Close(string) error { return nil }

func (c *recConn) events() []events.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.ServerEvent(nil), c.ev...)
}

func (c *recConn) types() []events.Type {
	var out []events.Type
	for _, ev := range c.events() {
		out = append(out, ev.Type())
	}
	return out
}

func (c *recConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ev = nil
}

type regRelay struct{ reg *session.Registry }

func (r regRelay) Deliver(roomID string, ev events.ServerEvent, exclude string) {
	for _, c := range r.reg.MembersOf(roomID) {
		if c.ID() != exclude {
			_ = c.Send(ev)
		}
	}
}

func (r regRelay) DeliverTo(connID string, ev events.ServerEvent) {
	if c, ok := r.reg.Conn(connID); ok {
		_ = c.Send(ev)
	}
}

func (r regRelay) Evict(roomID string, ev events.ServerEvent) {
	for _, c := range r.reg.UnbindRoom(roomID) {
		_ = c.Send(ev)
	}
}

var (
	alice = domain.User{ID: 1, DisplayName: "alice"}
	bob   = domain.User{ID: 2, DisplayName: "bob"}
	carol = domain.User{ID: 3, DisplayName: "carol"}
)

type fixture struct {
	store  *memory.Store
	writer *persistence.Writer
	reg    *session.Registry
	c      *Coordinator
}

func newFixture(t *testing.T, idle time.Duration) *fixture {
	t.Helper()
	store := memory.New()
	return newFixtureOn(t, store, store, Config{IdleTimeout: idle})
}

// backend: хранилище для координатора и writer'а одновременно.
type backend interface {
	Store
	persistence.Store
}

func newFixtureOn(t *testing.T, mem *memory.Store, be backend, cfg Config) *fixture {
	t.Helper()
	w := persistence.NewWriter(be, persistence.Config{
		Workers: 2, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}, nil)
	w.Start()
	reg := session.NewRegistry()
	cfg.Limits = domain.DefaultLimits()
	c := New(be, w, regRelay{reg}, reg, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		_ = w.Close(ctx)
	})
	return &fixture{store: mem, writer: w, reg: reg, c: c}
}

func (f *fixture) createRoom(t *testing.T, host domain.User, max int) string {
	t.Helper()
	r, err := domain.NewRoom(uuid.NewString(), host, "pair", "two-sum",
		domain.RoomConfig{MaxParticipants: max, Language: domain.LanguagePython}, domain.DefaultLimits(), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), r))
	return r.ID
}

func TestScenario_JoinCapacityCodeChatClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 2)
	a, b, cc := newConn(), newConn(), newConn()

	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b, bob))
	assert.Equal(t, []events.Type{events.TypeRoomState, events.TypeUserJoined}, a.types())
	assert.Equal(t, []events.Type{events.TypeRoomState}, b.types())

	before, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	err = f.c.Join(ctx, roomID, cc, carol)
	assert.ErrorIs(t, err, domain.ErrRoomFull)
	assert.Empty(t, cc.types())
	after, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	a.reset()
	b.reset()
	require.NoError(t, f.c.ChangeCode(ctx, roomID, a.ID(), alice.ID, "print('hi')", nil))
	_, err = f.c.SendChatMessage(ctx, roomID, bob, "hello")
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.TypeNewMessage}, a.types(), "sender of code-change does not get an echo")
	bev := b.events()
	require.Len(t, bev, 2)
	assert.Equal(t, "print('hi')", bev[0].(events.CodeUpdate).Code)
	msg := bev[1].(events.NewMessage)
	assert.Equal(t, "2", msg.UserID)
	assert.Equal(t, "bob", msg.Username)
	assert.Equal(t, "hello", msg.Message)

	require.NoError(t, f.c.Close(ctx, roomID, alice.ID))
	assert.Equal(t, events.TypeRoomClosed, b.events()[len(b.events())-1].Type())
	assert.Empty(t, f.reg.MembersOf(roomID))

	for _, u := range []domain.User{alice, bob, carol} {
		err := f.c.Join(ctx, roomID, newConn(), u)
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	}
	_, err = f.store.Get(ctx, roomID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestJoin_RoomStateMatchesAuthoritativeState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 4)
	a := newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.ChangeCode(ctx, roomID, a.ID(), alice.ID, "x = 1", nil))
	_, err := f.c.SendChatMessage(ctx, roomID, alice, "first")
	require.NoError(t, err)

	b := newConn()
	require.NoError(t, f.c.Join(ctx, roomID, b, bob))
	st := b.events()[0].(events.RoomState)
	assert.Equal(t, "x = 1", st.Code)
	require.Len(t, st.ChatHistory, 1)
	assert.Equal(t, "first", st.ChatHistory[0].Message)
	assert.Len(t, st.Participants, 2)
}

func TestConcurrentJoins_NeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 5)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		full int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := domain.User{ID: domain.UserID(100 + i), DisplayName: fmt.Sprintf("u%d", i)}
			err := f.c.Join(ctx, roomID, newConn(), u)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			assert.ErrorIs(t, err, domain.ErrRoomFull)
			full++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, ok, "host seat is reserved")
	assert.Equal(t, 16, full)
	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.ActiveCount())
}

func TestChangeCode_LastWriterWinsAtEveryParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a, b, c := newConn(), newConn(), newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b, bob))
	require.NoError(t, f.c.Join(ctx, roomID, c, carol))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, u := a, alice
			if i%2 == 1 {
				conn, u = b, bob
			}
			assert.NoError(t, f.c.ChangeCode(ctx, roomID, conn.ID(), u.ID, fmt.Sprintf("v%d", i), nil))
		}(i)
	}
	wg.Wait()

	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)

	lastCode := func(conn *recConn) string {
		var code string
		for _, ev := range conn.events() {
			if cu, ok := ev.(events.CodeUpdate); ok {
				code = cu.Code
			}
		}
		return code
	}
	// наблюдатель видит все правки, последняя совпадает с сервером
	assert.Equal(t, snap.Code, lastCode(c))
}

func TestChangeLanguage_HostOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a, b := newConn(), newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b, bob))
	a.reset()
	b.reset()

	err := f.c.ChangeLanguage(ctx, roomID, bob.ID, "java")
	assert.ErrorIs(t, err, domain.ErrNotHost)
	assert.Empty(t, a.types())

	assert.ErrorIs(t, f.c.ChangeLanguage(ctx, roomID, alice.ID, "fortran"), domain.ErrUnsupportedLanguage)

	require.NoError(t, f.c.ChangeLanguage(ctx, roomID, alice.ID, "java"))
	assert.Equal(t, []events.Type{events.TypeLanguageUpdated}, a.types())
	assert.Equal(t, []events.Type{events.TypeLanguageUpdated}, b.types())

	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.LanguageJava, snap.Language)
}

func TestLock_BlocksNewJoins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 4)
	a := newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))

	require.NoError(t, f.c.SetLock(ctx, roomID, alice.ID, true))
	assert.ErrorIs(t, f.c.Join(ctx, roomID, newConn(), bob), domain.ErrRoomLocked)
	assert.ErrorIs(t, f.c.CheckJoin(ctx, roomID, bob.ID), domain.ErrRoomLocked)
	assert.NoError(t, f.c.CheckJoin(ctx, roomID, alice.ID))

	lu := a.events()[len(a.events())-1].(events.LockUpdated)
	assert.True(t, lu.Locked)
	assert.Equal(t, "1", lu.OwnerID)
}

func TestLeave_BroadcastsAndUnbinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a, b1, b2 := newConn(), newConn(), newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b1, bob))
	require.NoError(t, f.c.Join(ctx, roomID, b2, bob))
	assert.Equal(t, 1, countType(a, events.TypeUserJoined), "second tab is not a new participant")

	require.NoError(t, f.c.Leave(ctx, roomID, bob.ID))
	assert.Equal(t, 0, f.reg.UserConnCount(roomID, bob.ID))
	assert.Equal(t, 1, countType(a, events.TypeUserLeft))

	require.NoError(t, f.c.Leave(ctx, roomID, bob.ID))
	assert.Equal(t, 1, countType(a, events.TypeUserLeft), "leave is idempotent")

	err := f.c.ChangeCode(ctx, roomID, b1.ID(), bob.ID, "nope", nil)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestDisconnected_OnlyWhenLastConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a, b1, b2 := newConn(), newConn(), newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b1, bob))
	require.NoError(t, f.c.Join(ctx, roomID, b2, bob))

	f.reg.Unbind(b1.ID())
	require.NoError(t, f.c.Disconnected(ctx, roomID, bob.ID))
	assert.Equal(t, 0, countType(a, events.TypeUserLeft))

	f.reg.Unbind(b2.ID())
	require.NoError(t, f.c.Disconnected(ctx, roomID, bob.ID))
	assert.Equal(t, 1, countType(a, events.TypeUserLeft))

	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, snap.IsActiveParticipant(bob.ID))
}

func TestPresenceAndResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a, b := newConn(), newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.Join(ctx, roomID, b, bob))
	a.reset()
	b.reset()

	require.NoError(t, f.c.MoveCursor(ctx, roomID, a.ID(), alice.ID, json.RawMessage(`{"lineNumber":3}`), nil))
	require.NoError(t, f.c.SetTyping(ctx, roomID, a.ID(), alice.ID, true))
	assert.Empty(t, a.types())
	assert.Equal(t, []events.Type{events.TypeCursorMoved, events.TypeUserTyping}, b.types())
	assert.ErrorIs(t, f.c.SetTyping(ctx, roomID, "x", carol.ID, true), domain.ErrNotParticipant)

	assert.ErrorIs(t, f.c.PublishRunResult(ctx, roomID, bob.ID, json.RawMessage(`{`)), domain.ErrInvalidPayload)
	require.NoError(t, f.c.PublishRunResult(ctx, roomID, bob.ID, json.RawMessage(`{"passed":1}`)))
	tr := a.events()[len(a.events())-1].(events.TestResults)
	assert.Equal(t, "2", tr.UserID)

	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, snap.LastResult)
}

func TestClose_NonHostAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	require.NoError(t, f.c.Join(ctx, roomID, newConn(), bob))

	assert.ErrorIs(t, f.c.Close(ctx, roomID, bob.ID), domain.ErrNotHost)
	_, err := f.store.Get(ctx, roomID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.c.Close(ctx, "missing", alice.ID), domain.ErrRoomNotFound)
}

func TestActor_RetiresAndReloads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Millisecond)
	roomID := f.createRoom(t, alice, 3)
	a := newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))
	require.NoError(t, f.c.ChangeCode(ctx, roomID, a.ID(), alice.ID, "persist me", nil))
	require.NoError(t, f.c.Leave(ctx, roomID, alice.ID))

	require.Eventually(t, func() bool {
		_, live := f.c.Live()[roomID]
		return !live
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.store.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", stored.Code, "state is flushed before retiring")

	snap, err := f.c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", snap.Code)
	assert.Equal(t, 0, snap.ActiveCount())
}

// stalledStore зависает в Save до release, не глядя на ctx.
type stalledStore struct {
	*memory.Store
	release chan struct{}
}

func (s *stalledStore) Save(ctx context.Context, r *domain.Room) error {
	<-s.release
	return s.Store.Save(ctx, r)
}

func TestActor_SlowFlushDoesNotBlockCommands(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &stalledStore{Store: mem, release: make(chan struct{})}
	f := newFixtureOn(t, mem, st, Config{IdleTimeout: 20 * time.Millisecond, FlushTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { close(st.release) })

	roomID := f.createRoom(t, alice, 3)
	require.NoError(t, f.c.Join(ctx, roomID, newConn(), bob))
	require.NoError(t, f.c.Leave(ctx, roomID, bob.ID))

	// idle-таймер срабатывает, сброс висит на записи в полёте
	time.Sleep(60 * time.Millisecond)

	jctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.c.Join(jctx, roomID, newConn(), carol))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	s, live := f.c.Live()[roomID]
	require.True(t, live, "failed flush keeps the actor")
	assert.Equal(t, 1, s.ActiveCount)
}

func TestActor_StaysWhileParticipantsActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20*time.Millisecond)
	roomID := f.createRoom(t, alice, 3)
	require.NoError(t, f.c.Join(ctx, roomID, newConn(), alice))

	time.Sleep(100 * time.Millisecond)
	s, live := f.c.Live()[roomID]
	require.True(t, live)
	assert.Equal(t, 1, s.ActiveCount)
}

func TestSweepLiveAndExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	r, err := domain.NewRoom(uuid.NewString(), alice, "short", "p",
		domain.RoomConfig{MaxParticipants: 2, TimeLimit: time.Hour}, domain.DefaultLimits(), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, r))
	a := newConn()
	require.NoError(t, f.c.Join(ctx, r.ID, a, alice))

	assert.Empty(t, f.c.SweepLive(ctx, time.Now()))
	expired := f.c.SweepLive(ctx, time.Now().Add(2*time.Hour))
	assert.Equal(t, []string{r.ID}, expired)

	rc := a.events()[len(a.events())-1].(events.RoomClosed)
	assert.Equal(t, events.ReasonExpired, rc.Reason)
	_, live := f.c.Live()[r.ID]
	assert.False(t, live)

	// комнаты уже нет нигде: Expire просто ничего не находит
	assert.NoError(t, f.c.Expire(ctx, r.ID, events.ReasonExpired))
}

func TestPersistenceStatusBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	a := newConn()
	require.NoError(t, f.c.Join(ctx, roomID, a, alice))

	f.c.PersistenceStatus(true)
	ps := a.events()[len(a.events())-1].(events.PersistenceStatus)
	assert.True(t, ps.Degraded)
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	roomID := f.createRoom(t, alice, 3)
	require.NoError(t, f.c.Join(ctx, roomID, newConn(), alice))

	require.NoError(t, f.c.Shutdown(ctx))
	assert.ErrorIs(t, f.c.Join(ctx, roomID, newConn(), bob), ErrShuttingDown)
}

func countType(c *recConn, t events.Type) int {
	n := 0
	for _, typ := range c.types() {
		if typ == t {
			n++
		}
	}
	return n
}
