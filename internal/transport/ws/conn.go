package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
)

const writeWait = 5 * time.Second

var (
	ErrConnClosed   = errors.New("ws: connection closed")
	ErrSlowConsumer = errors.New("ws: send queue overflow")
)

// wsConn: одно сокет-соединение. Запись идёт только из writePump,
// остальные кладут кадры в ограниченную очередь send.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	closed  chan struct{}
	once    sync.Once
	reason  atomic.Value // string, текст close-кадра
	limiter *rate.Limiter
	log     *slog.Logger

	mu   sync.RWMutex
	user domain.User
}

func newWsConn(c *websocket.Conn, cfg Config, log *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:      id,
		conn:    c,
		send:    make(chan []byte, cfg.SendBuffer),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log.With("conn_id", id),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) User() domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *wsConn) setUser(u domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

func (c *wsConn) authenticated() bool { return c.User().ID != 0 }

// Send не блокируется: переполненная очередь закрывает соединение.
func (c *wsConn) Send(ev events.ServerEvent) error {
	data, err := events.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.log.Warn("ws slow consumer, closing", "queued", len(c.send))
		_ = c.Close("slow consumer")
		return ErrSlowConsumer
	}
}

// Close закрывает соединение; writePump отправит close-кадр с reason.
func (c *wsConn) Close(reason string) error {
	c.once.Do(func() {
		c.reason.Store(reason)
		close(c.closed)
	})
	return nil
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsConn) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("ws write failed", "err", err)
				_ = c.Close("")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ws ping failed", "err", err)
				_ = c.Close("")
				return
			}
		case <-c.closed:
			c.drain()
			reason, _ := c.reason.Load().(string)
			code := websocket.CloseNormalClosure
			switch reason {
			case closeAuthTimeout, closeUnauthenticated:
				code = websocket.ClosePolicyViolation
			case closeShutdown:
				code = websocket.CloseGoingAway
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

// drain дописывает то, что уже стоит в очереди (например, error перед закрытием).
func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
