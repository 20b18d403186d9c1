package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/session"
)

var ErrShuttingDown = errors.New("coordinator: shutting down")

type Store interface {
	Get(ctx context.Context, id string) (*domain.Room, error)
	Delete(ctx context.Context, id string) error
}

// Persister: отложенная запись снапшотов (persistence.Writer).
type Persister interface {
	Submit(room *domain.Room, msgs ...domain.ChatMessage)
	Flush(ctx context.Context, roomID string) error
	Forget(roomID string)
}

// Relay доставляет события соединениям комнаты.
type Relay interface {
	Deliver(roomID string, ev events.ServerEvent, excludeConnID string)
	DeliverTo(connID string, ev events.ServerEvent)
	Evict(roomID string, ev events.ServerEvent)
}

type Config struct {
	Limits       domain.Limits
	IdleTimeout  time.Duration // сколько комната без активных участников держится в памяти
	FlushTimeout time.Duration
}

// LiveSummary: то, что лобби видит о живой комнате.
type LiveSummary struct {
	ActiveCount int
	Version     int64
}

// Coordinator держит по одному актору на живую комнату. Все операции над
// комнатой выполняются её актором по очереди; разные комнаты независимы.
type Coordinator struct {
	store  Store
	writer Persister
	relay  Relay
	reg    *session.Registry
	cfg    Config
	now    func() time.Time
	log    *slog.Logger

	sf singleflight.Group

	mu      sync.Mutex
	actors  map[string]*actor
	live    map[string]LiveSummary
	closing bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(store Store, writer Persister, relay Relay, reg *session.Registry, cfg Config, opts ...Option) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	c := &Coordinator{
		store:  store,
		writer: writer,
		relay:  relay,
		reg:    reg,
		cfg:    cfg,
		now:    time.Now,
		log:    slog.Default(),
		actors: make(map[string]*actor),
		live:   make(map[string]LiveSummary),
		quit:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "coordinator")
	return c
}

type actor struct {
	id      string
	room    *domain.Room
	inbox   chan func(*actor)
	done    chan struct{}
	retired bool
}

// do выполняет fn на акторе комнаты, при необходимости подняв его из хранилища.
func (c *Coordinator) do(ctx context.Context, roomID string, fn func(a *actor) error) error {
	for {
		a, err := c.acquire(ctx, roomID)
		if err != nil {
			return err
		}
		ok, err := c.send(ctx, a, fn)
		if ok || err != nil {
			return err
		}
		// актор ушёл на покой до того, как принял команду: поднимаем заново
	}
}

// doIfLive: как do, но только для уже живого актора. false: актора нет.
func (c *Coordinator) doIfLive(ctx context.Context, roomID string, fn func(a *actor) error) (bool, error) {
	c.mu.Lock()
	a := c.actors[roomID]
	c.mu.Unlock()
	if a == nil {
		return false, nil
	}
	return c.send(ctx, a, fn)
}

func (c *Coordinator) send(ctx context.Context, a *actor, fn func(a *actor) error) (bool, error) {
	errc := make(chan error, 1)
	select {
	case a.inbox <- func(a *actor) { errc <- fn(a) }:
		// принятая команда выполняется всегда, ждём её результат
		return true, <-errc
	case <-a.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Coordinator) acquire(ctx context.Context, roomID string) (*actor, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if a := c.actors[roomID]; a != nil {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(roomID, func() (any, error) {
		c.mu.Lock()
		if a := c.actors[roomID]; a != nil {
			c.mu.Unlock()
			return a, nil
		}
		c.mu.Unlock()

		room, err := c.store.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !room.IsActive {
			return nil, domain.ErrRoomNotFound
		}
		// после загрузки соединений у комнаты нет
		for i := range room.Participants {
			room.Participants[i].IsActive = false
		}

		a := &actor{
			id:    roomID,
			room:  room,
			inbox: make(chan func(*actor)),
			done:  make(chan struct{}),
		}
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return nil, ErrShuttingDown
		}
		c.actors[roomID] = a
		c.live[roomID] = LiveSummary{Version: room.Version}
		c.wg.Add(1)
		c.mu.Unlock()

		go c.run(a)
		c.log.Debug("room actor started", "room_id", roomID, "version", room.Version)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*actor), nil
}

func (c *Coordinator) run(a *actor) {
	defer c.wg.Done()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	var (
		flushed  chan error // nil, пока сброс не идёт
		flushVer int64
	)
	for {
		select {
		case fn := <-a.inbox:
			fn(a)
			if a.retired {
				return
			}
			c.publish(a)
			if a.room.ActiveCount() == 0 {
				idle.Reset(c.cfg.IdleTimeout)
			} else {
				idle.Stop()
			}
		case <-idle.C:
			if a.room.ActiveCount() > 0 || flushed != nil {
				continue
			}
			flushed, flushVer = c.startFlush(a), a.room.Version
		case err := <-flushed:
			flushed = nil
			if c.retire(a, err, flushVer) {
				return
			}
			if a.room.ActiveCount() == 0 {
				idle.Reset(c.cfg.IdleTimeout)
			}
		case <-c.quit:
			c.unregister(a)
			return
		}
	}
}

// startFlush сбрасывает состояние комнаты вне актора: медленное хранилище
// не должно задерживать команды.
func (c *Coordinator) startFlush(a *actor) chan error {
	res := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
		defer cancel()
		res <- c.writer.Flush(ctx, a.id)
	}()
	return res
}

// retire убирает актор, если сброс удался и за время сброса комната не
// менялась. Иначе актор остаётся: следующая загрузка подняла бы старую версию.
func (c *Coordinator) retire(a *actor, flushErr error, flushedVer int64) bool {
	if flushErr != nil {
		c.log.Warn("room actor flush failed, staying live", "room_id", a.id, "err", flushErr)
		return false
	}
	if a.room.ActiveCount() > 0 || a.room.Version != flushedVer {
		return false
	}
	c.unregister(a)
	c.log.Debug("room actor retired", "room_id", a.id)
	return true
}

func (c *Coordinator) unregister(a *actor) {
	a.retired = true
	c.mu.Lock()
	if c.actors[a.id] == a {
		delete(c.actors, a.id)
		delete(c.live, a.id)
	}
	c.mu.Unlock()
	close(a.done)
}

func (c *Coordinator) publish(a *actor) {
	s := LiveSummary{ActiveCount: a.room.ActiveCount(), Version: a.room.Version}
	c.mu.Lock()
	if c.actors[a.id] == a {
		c.live[a.id] = s
	}
	c.mu.Unlock()
}

func (c *Coordinator) persist(a *actor, msgs ...domain.ChatMessage) {
	c.writer.Submit(a.room.Clone(), msgs...)
}

// terminate удаляет комнату из хранилища, выселяет соединения и гасит актор.
func (c *Coordinator) terminate(ctx context.Context, a *actor, reason string) error {
	if err := c.store.Delete(ctx, a.id); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return fmt.Errorf("delete room %s: %w", a.id, err)
	}
	a.room.Deactivate(c.now())
	c.writer.Forget(a.id)
	c.relay.Evict(a.id, events.RoomClosed{RoomID: a.id, Reason: reason})
	c.unregister(a)
	c.log.Info("room terminated", "room_id", a.id, "reason", reason)
	return nil
}

// Live возвращает сводку живых комнат для лобби.
func (c *Coordinator) Live() map[string]LiveSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]LiveSummary, len(c.live))
	for id, s := range c.live {
		out[id] = s
	}
	return out
}

func (c *Coordinator) liveIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.actors))
	for id := range c.actors {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown останавливает все акторы. Состояние уже передано writer'у.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.quit)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
