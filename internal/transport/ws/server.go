package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/session"
	"github.com/cwrk-planet/coderoom-service/pkg/httputil"
)

const (
	closeAuthTimeout     = "authentication timeout"
	closeUnauthenticated = "unauthenticated"
	closeShutdown        = "server shutting down"

	codeRateLimited = "rate_limited"
)

// Rooms: операции координатора, доступные по сокету.
type Rooms interface {
	Join(ctx context.Context, roomID string, conn session.Conn, u domain.User) error
	Leave(ctx context.Context, roomID string, userID domain.UserID) error
	Disconnected(ctx context.Context, roomID string, userID domain.UserID) error
	ChangeCode(ctx context.Context, roomID, connID string, userID domain.UserID, code string, cursor json.RawMessage) error
	ChangeLanguage(ctx context.Context, roomID string, userID domain.UserID, language string) error
	SendChatMessage(ctx context.Context, roomID string, u domain.User, text string) (domain.ChatMessage, error)
	PublishRunResult(ctx context.Context, roomID string, userID domain.UserID, results json.RawMessage) error
	SetLock(ctx context.Context, roomID string, userID domain.UserID, locked bool) error
	MoveCursor(ctx context.Context, roomID, connID string, userID domain.UserID, position, selection json.RawMessage) error
	SetTyping(ctx context.Context, roomID, connID string, userID domain.UserID, typing bool) error
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.User, error)
}

type Config struct {
	PingEvery       time.Duration
	DisconnectGrace time.Duration
	AuthTimeout     time.Duration
	OpTimeout       time.Duration
	SendBuffer      int
	RateLimit       float64 // событий в секунду на соединение
	RateBurst       int
	ReadLimit       int64
	AllowedOrigins  []string
}

func (c *Config) withDefaults() {
	if c.PingEvery <= 0 {
		c.PingEvery = 15 * time.Second
	}
	if c.DisconnectGrace < 0 {
		c.DisconnectGrace = 0
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

type Server struct {
	upgrader websocket.Upgrader
	reg      *session.Registry
	rooms    Rooms
	auth     Authenticator
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	timers   map[*time.Timer]struct{}
	closing  bool
	handlers sync.WaitGroup
}

func NewServer(reg *session.Registry, rooms Rooms, auth Authenticator, cfg Config) *Server {
	cfg.withDefaults()
	s := &Server{
		reg:    reg,
		rooms:  rooms,
		auth:   auth,
		cfg:    cfg,
		log:    slog.Default().With("component", "ws"),
		conns:  make(map[*wsConn]struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes: GET /ws и GET /ws/rooms/{id} (вход в комнату сразу после аутентификации).
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", s.HandleWS)
	r.Get("/ws/rooms/{id}", s.HandleWS)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Токен: Authorization: Bearer ... или ?access_token=...
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	var user domain.User
	if token := bearerToken(r); token != "" {
		u, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			httputil.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid access token")
			return
		}
		user = u
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(conn, s.cfg, s.log)
	if !s.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, closeShutdown), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	go c.writePump(s.cfg.PingEvery)
	defer func() { _ = c.Close("") }()

	ctx := r.Context()
	if user.ID == 0 {
		u, ok := s.authenticateFirstFrame(ctx, c)
		if !ok {
			return
		}
		user = u
	}
	s.onAuthenticated(c, user)

	if roomID != "" {
		if err := s.join(ctx, c, roomID); err != nil {
			s.replyError(c, err, events.TypeJoinRoom)
		}
	}

	s.readLoop(ctx, c)
	s.disconnect(c)
}

func (s *Server) onAuthenticated(c *wsConn, u domain.User) {
	c.setUser(u)
	_ = c.Send(events.Authenticated{UserID: u.ID.String(), Username: u.DisplayName})
	c.log.Debug("ws authenticated", "user_id", u.ID)
}

// authenticateFirstFrame ждёт authenticate первым кадром не дольше AuthTimeout.
func (s *Server) authenticateFirstFrame(ctx context.Context, c *wsConn) (domain.User, bool) {
	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			_ = c.Close(closeAuthTimeout)
		}
		return domain.User{}, false
	}

	ev, err := events.DecodeClient(data)
	if err != nil {
		s.replyError(c, domain.ErrUnauthenticated, events.TypeAuthenticate)
		_ = c.Close(closeUnauthenticated)
		return domain.User{}, false
	}
	a, ok := ev.(events.Authenticate)
	if !ok {
		s.replyError(c, domain.ErrUnauthenticated, ev.Type())
		_ = c.Close(closeUnauthenticated)
		return domain.User{}, false
	}
	u, err := s.auth.Authenticate(ctx, a.Token)
	if err != nil {
		s.replyError(c, domain.ErrUnauthenticated, events.TypeAuthenticate)
		_ = c.Close(closeUnauthenticated)
		return domain.User{}, false
	}
	return u, true
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.isClosed() {
				c.log.Debug("ws read failed", "err", err)
			}
			return
		}
		// любой входящий кадр тоже признак жизни
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))

		if !c.limiter.Allow() {
			_ = c.Send(events.Error{Code: codeRateLimited, Message: "too many events"})
			continue
		}

		ev, err := events.DecodeClient(data)
		if err != nil {
			_ = c.Send(events.Error{Code: string(domain.KindValidation), Message: err.Error()})
			continue
		}
		s.dispatch(ctx, c, ev)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, ev events.ClientEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.handle(ctx, c, ev); err != nil {
		s.replyError(c, err, ev.Type())
	}
}

func (s *Server) handle(ctx context.Context, c *wsConn, ev events.ClientEvent) error {
	u := c.User()

	switch e := ev.(type) {
	case events.Authenticate:
		// повторная аутентификация допустима только тем же пользователем
		again, err := s.auth.Authenticate(ctx, e.Token)
		if err != nil || again.ID != u.ID {
			return domain.ErrUnauthenticated
		}
		return nil
	case events.JoinRoom:
		return s.join(ctx, c, e.RoomID)
	case events.LeaveRoom:
		return s.rooms.Leave(ctx, e.RoomID, u.ID)
	}

	rs, ok := ev.(events.RoomScoped)
	if !ok {
		return domain.ErrInvalidPayload
	}
	// события комнаты принимаются только от соединения, привязанного к ней
	if b, bound := s.reg.Lookup(c.ID()); !bound || b.RoomID != rs.Room() {
		return domain.ErrNotParticipant
	}

	switch e := ev.(type) {
	case events.CodeChange:
		return s.rooms.ChangeCode(ctx, e.RoomID, c.ID(), u.ID, e.Code, e.CursorPosition)
	case events.LanguageChange:
		return s.rooms.ChangeLanguage(ctx, e.RoomID, u.ID, e.Language)
	case events.SendMessage:
		_, err := s.rooms.SendChatMessage(ctx, e.RoomID, u, e.Message)
		return err
	case events.CodeRunResult:
		return s.rooms.PublishRunResult(ctx, e.RoomID, u.ID, e.Results)
	case events.CursorMove:
		return s.rooms.MoveCursor(ctx, e.RoomID, c.ID(), u.ID, e.Position, e.Selection)
	case events.Typing:
		return s.rooms.SetTyping(ctx, e.RoomID, c.ID(), u.ID, e.IsTyping)
	case events.LockRoom:
		return s.rooms.SetLock(ctx, e.RoomID, u.ID, e.Locked)
	default:
		return domain.ErrInvalidPayload
	}
}

// join входит в комнату; соединение, бывшее в другой комнате, из неё уходит.
func (s *Server) join(ctx context.Context, c *wsConn, roomID string) error {
	u := c.User()
	prev, hadPrev := s.reg.Lookup(c.ID())

	if err := s.rooms.Join(ctx, roomID, c, u); err != nil {
		return err
	}
	if hadPrev && prev.RoomID != roomID {
		if err := s.rooms.Disconnected(ctx, prev.RoomID, prev.UserID); err != nil {
			c.log.Debug("ws leave previous room failed", "room_id", prev.RoomID, "err", err)
		}
	}
	return nil
}

// disconnect снимает привязку и после DisconnectGrace выводит пользователя
// из комнаты, если других его соединений там нет.
func (s *Server) disconnect(c *wsConn) {
	b, ok := s.reg.Unbind(c.ID())
	if !ok {
		return
	}
	leave := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
		defer cancel()
		if err := s.rooms.Disconnected(ctx, b.RoomID, b.UserID); err != nil {
			s.log.Debug("ws implicit leave failed", "room_id", b.RoomID, "user_id", b.UserID, "err", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		// при остановке состояние уходит в хранилище, активность сбросится при загрузке
		return
	}
	if s.cfg.DisconnectGrace == 0 {
		go leave()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.mu.Lock()
		_, pending := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if pending {
			leave()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Server) replyError(c *wsConn, err error, req events.Type) {
	if domain.KindOf(err) == domain.KindInternal {
		c.log.Error("ws request failed", "type", req, "err", err)
	}
	_ = c.Send(events.ErrorFrom(err, req))
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.handlers.Done()
}

// ConnCount: число открытых сокетов.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown отменяет отложенные выходы, закрывает все сокеты и ждёт их обработчики.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(closeShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
