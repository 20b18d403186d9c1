package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// Store: то, во что пишет writer.
type Store interface {
	Save(ctx context.Context, room *domain.Room) error
	Append(ctx context.Context, roomID string, msgs []domain.ChatMessage) error
}

type Config struct {
	Workers        int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SaveTimeout    time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

type job struct {
	room *domain.Room
	msgs []domain.ChatMessage
}

type Stats struct {
	Pending  int
	Inflight int
	Degraded bool
}

var ErrClosed = errors.New("persistence: writer closed")

// Writer: отложенная запись состояния комнат. На комнату хранится только
// последний снапшот; в полёте не больше одной записи на комнату, поэтому
// запись по одной комнате идёт в порядке версий.
type Writer struct {
	store Store
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]*job
	queue    []string
	inflight map[string]chan struct{} // закрывается, когда запись комнаты завершена
	closed   bool

	degraded  atomic.Bool
	lmu       sync.Mutex
	listeners []func(degraded bool)

	wg sync.WaitGroup
}

func NewWriter(store Store, cfg Config, log *slog.Logger) *Writer {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		store:    store,
		cfg:      cfg,
		log:      log.With("component", "persistence"),
		pending:  make(map[string]*job),
		inflight: make(map[string]chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start запускает воркеров; останавливаются они через Close.
func (w *Writer) Start() {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
}

// Submit ставит снапшот комнаты (и новые сообщения для архива) в очередь.
// Снапшот должен быть копией: writer его не клонирует.
func (w *Writer) Submit(room *domain.Room, msgs ...domain.ChatMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.log.Warn("submit after close, dropping", "room_id", room.ID, "version", room.Version)
		return
	}
	j, ok := w.pending[room.ID]
	if !ok {
		j = &job{}
		w.pending[room.ID] = j
		if _, busy := w.inflight[room.ID]; !busy {
			w.queue = append(w.queue, room.ID)
			w.cond.Signal()
		}
	}
	if j.room == nil || j.room.Version < room.Version {
		j.room = room
	}
	j.msgs = append(j.msgs, msgs...)
}

// Forget отбрасывает несохранённое состояние удалённой комнаты.
func (w *Writer) Forget(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, roomID)
}

// Flush дожидается записи в полёте и синхронно пишет отложенное состояние комнаты.
func (w *Writer) Flush(ctx context.Context, roomID string) error {
	w.mu.Lock()
	if err := w.waitInflightLocked(ctx, roomID); err != nil {
		w.mu.Unlock()
		return err
	}
	j, ok := w.pending[roomID]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	delete(w.pending, roomID)
	w.inflight[roomID] = make(chan struct{})
	w.mu.Unlock()

	err := w.write(ctx, roomID, j)

	w.mu.Lock()
	w.finishLocked(roomID)
	if err != nil && !repository.Permanent(err) {
		w.requeueLocked(roomID, j)
	} else if _, again := w.pending[roomID]; again {
		w.queue = append(w.queue, roomID)
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	// отвергнутый хранилищем снапшот повторять бессмысленно, он уже в логе
	if repository.Permanent(err) {
		return nil
	}
	return err
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		id := w.queue[0]
		w.queue = w.queue[1:]
		j, ok := w.pending[id]
		if _, busy := w.inflight[id]; !ok || busy {
			w.mu.Unlock()
			continue
		}
		delete(w.pending, id)
		w.inflight[id] = make(chan struct{})
		w.mu.Unlock()

		err := w.write(context.Background(), id, j)

		w.mu.Lock()
		w.finishLocked(id)
		if err != nil && !repository.Permanent(err) && !w.closed {
			w.requeueLocked(id, j)
		} else if _, again := w.pending[id]; again {
			w.queue = append(w.queue, id)
		}
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// waitInflightLocked ждёт конца записи комнаты в полёте, но не дольше ctx.
// mu захвачен на входе и на выходе.
func (w *Writer) waitInflightLocked(ctx context.Context, roomID string) error {
	for {
		done, busy := w.inflight[roomID]
		if !busy {
			return nil
		}
		w.mu.Unlock()
		select {
		case <-done:
			w.mu.Lock()
		case <-ctx.Done():
			w.mu.Lock()
			return ctx.Err()
		}
	}
}

func (w *Writer) finishLocked(roomID string) {
	if done, ok := w.inflight[roomID]; ok {
		close(done)
		delete(w.inflight, roomID)
	}
}

// requeueLocked возвращает неудавшуюся запись: более новый снапшот побеждает,
// сообщения сохраняют исходный порядок.
func (w *Writer) requeueLocked(id string, failed *job) {
	j, ok := w.pending[id]
	if !ok {
		w.pending[id] = failed
	} else {
		if j.room == nil || (failed.room != nil && failed.room.Version > j.room.Version) {
			j.room = failed.room
		}
		j.msgs = append(append([]domain.ChatMessage(nil), failed.msgs...), j.msgs...)
	}
	w.queue = append(w.queue, id)
}

func (w *Writer) write(ctx context.Context, roomID string, j *job) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, w.cfg.MaxRetries), ctx)

	op := func() error {
		err := w.writeOnce(ctx, roomID, j)
		if repository.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		w.log.Warn("write failed, retrying", "room_id", roomID, "err", err, "retry_in", next)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		w.setDegraded(false)
	case errors.Is(err, domain.ErrRoomNotFound):
		// комнату удалили, пока запись ждала очереди
		w.log.Debug("room gone, dropping write", "room_id", roomID)
	case repository.Permanent(err):
		w.log.Error("write rejected by store", "room_id", roomID, "err", err)
	default:
		w.log.Error("write failed, retries exhausted", "room_id", roomID, "err", err)
		w.setDegraded(true)
	}
	return err
}

func (w *Writer) writeOnce(ctx context.Context, roomID string, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SaveTimeout)
	defer cancel()

	if j.room != nil {
		if err := w.store.Save(ctx, j.room); err != nil {
			return fmt.Errorf("save room %s v%d: %w", roomID, j.room.Version, err)
		}
	}
	if len(j.msgs) > 0 {
		if err := w.store.Append(ctx, roomID, j.msgs); err != nil {
			return fmt.Errorf("archive %d messages of %s: %w", len(j.msgs), roomID, err)
		}
	}
	return nil
}

// OnStatusChange подписывает на переходы в деградированный режим и обратно.
func (w *Writer) OnStatusChange(fn func(degraded bool)) {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *Writer) Degraded() bool { return w.degraded.Load() }

func (w *Writer) setDegraded(v bool) {
	if w.degraded.Swap(v) == v {
		return
	}
	if v {
		w.log.Error("persistence degraded")
	} else {
		w.log.Info("persistence recovered")
	}
	w.lmu.Lock()
	ls := append([]func(bool){}, w.listeners...)
	w.lmu.Unlock()
	for _, fn := range ls {
		fn(v)
	}
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Pending: len(w.pending), Inflight: len(w.inflight), Degraded: w.degraded.Load()}
}

// Close дописывает очередь и останавливает воркеров.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d rooms not flushed: %v", ErrClosed, w.Stats().Pending, ctx.Err())
	}
}
