package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/session"
)

// Join впускает пользователя и привязывает соединение к комнате. Привязка
// делается внутри актора, поэтому соединение не пропустит ни одного события
// после room-state.
func (c *Coordinator) Join(ctx context.Context, roomID string, conn session.Conn, u domain.User) error {
	return c.do(ctx, roomID, func(a *actor) error {
		wasActive := a.room.IsActiveParticipant(u.ID)
		p, err := a.room.Join(u, c.now())
		if err != nil {
			return err
		}
		c.reg.Bind(conn, roomID, u.ID)
		c.persist(a)

		c.relay.DeliverTo(conn.ID(), events.NewRoomState(a.room))
		if !wasActive {
			c.relay.Deliver(roomID, events.UserJoined{
				UserID:   u.ID.String(),
				UserData: events.NewParticipantView(p, a.room.HostID),
			}, conn.ID())
		}
		return nil
	})
}

// CheckJoin проверяет, пустят ли пользователя, ничего не меняя.
func (c *Coordinator) CheckJoin(ctx context.Context, roomID string, userID domain.UserID) error {
	return c.do(ctx, roomID, func(a *actor) error {
		return a.room.CanJoin(userID, c.now())
	})
}

// Leave помечает участника неактивным и отвязывает все его соединения.
// Повторный выход ничего не делает.
func (c *Coordinator) Leave(ctx context.Context, roomID string, userID domain.UserID) error {
	return c.do(ctx, roomID, func(a *actor) error {
		c.leave(a, userID)
		return nil
	})
}

func (c *Coordinator) leave(a *actor, userID domain.UserID) {
	c.reg.UnbindUser(a.id, userID)
	if !a.room.Leave(userID, c.now()) {
		return
	}
	c.persist(a)
	c.relay.Deliver(a.id, events.UserLeft{UserID: userID.String()}, "")
}

// Disconnected: выход по обрыву связи: срабатывает, только если у
// пользователя не осталось соединений в комнате. Проверка идёт в акторе,
// поэтому переподключение не теряется.
func (c *Coordinator) Disconnected(ctx context.Context, roomID string, userID domain.UserID) error {
	_, err := c.doIfLive(ctx, roomID, func(a *actor) error {
		if c.reg.UserConnCount(roomID, userID) > 0 {
			return nil
		}
		c.leave(a, userID)
		return nil
	})
	return err
}

func (c *Coordinator) ChangeCode(ctx context.Context, roomID, connID string, userID domain.UserID, code string, cursor json.RawMessage) error {
	return c.do(ctx, roomID, func(a *actor) error {
		if err := a.room.ChangeCode(userID, code, c.cfg.Limits, c.now()); err != nil {
			return err
		}
		c.persist(a)
		c.relay.Deliver(roomID, events.CodeUpdate{
			Code:           code,
			UserID:         userID.String(),
			CursorPosition: cursor,
		}, connID)
		return nil
	})
}

func (c *Coordinator) ChangeLanguage(ctx context.Context, roomID string, userID domain.UserID, language string) error {
	lang, err := domain.ParseLanguage(language)
	if err != nil {
		return err
	}
	return c.do(ctx, roomID, func(a *actor) error {
		if err := a.room.ChangeLanguage(userID, lang, c.now()); err != nil {
			return err
		}
		c.persist(a)
		c.relay.Deliver(roomID, events.LanguageUpdated{Language: string(lang), UserID: userID.String()}, "")
		return nil
	})
}

// SendChatMessage ставит серверные id и время; сообщение получают все, включая отправителя.
func (c *Coordinator) SendChatMessage(ctx context.Context, roomID string, u domain.User, text string) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := c.do(ctx, roomID, func(a *actor) error {
		m, err := a.room.AddMessage(u, uuid.NewString(), text, c.cfg.Limits, c.now())
		if err != nil {
			return err
		}
		msg = m
		c.persist(a, m)
		c.relay.Deliver(roomID, events.NewMessage{MessageView: events.NewMessageView(m)}, "")
		return nil
	})
	return msg, err
}

func (c *Coordinator) PublishRunResult(ctx context.Context, roomID string, userID domain.UserID, results json.RawMessage) error {
	if !json.Valid(results) {
		return domain.ErrInvalidPayload
	}
	return c.do(ctx, roomID, func(a *actor) error {
		res, err := a.room.SetRunResult(userID, results, c.now())
		if err != nil {
			return err
		}
		c.persist(a)
		c.relay.Deliver(roomID, events.TestResults{ResultView: events.NewResultView(res)}, "")
		return nil
	})
}

func (c *Coordinator) SetLock(ctx context.Context, roomID string, userID domain.UserID, locked bool) error {
	return c.do(ctx, roomID, func(a *actor) error {
		if err := a.room.SetLock(userID, locked, c.now()); err != nil {
			return err
		}
		c.persist(a)
		c.relay.Deliver(roomID, events.LockUpdated{LockView: events.NewLockView(a.room.Lock)}, "")
		return nil
	})
}

// MoveCursor и SetTyping: эфемерное присутствие, в хранилище не попадает.
func (c *Coordinator) MoveCursor(ctx context.Context, roomID, connID string, userID domain.UserID, position, selection json.RawMessage) error {
	return c.do(ctx, roomID, func(a *actor) error {
		if !a.room.IsActiveParticipant(userID) {
			return domain.ErrNotParticipant
		}
		c.relay.Deliver(roomID, events.CursorMoved{
			UserID:    userID.String(),
			Position:  position,
			Selection: selection,
		}, connID)
		return nil
	})
}

func (c *Coordinator) SetTyping(ctx context.Context, roomID, connID string, userID domain.UserID, typing bool) error {
	return c.do(ctx, roomID, func(a *actor) error {
		if !a.room.IsActiveParticipant(userID) {
			return domain.ErrNotParticipant
		}
		c.relay.Deliver(roomID, events.UserTyping{UserID: userID.String(), IsTyping: typing}, connID)
		return nil
	})
}

// Snapshot: глубокая копия авторитетного состояния.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (*domain.Room, error) {
	var snap *domain.Room
	err := c.do(ctx, roomID, func(a *actor) error {
		snap = a.room.Clone()
		return nil
	})
	return snap, err
}

// SnapshotIfLive не поднимает комнату из хранилища.
func (c *Coordinator) SnapshotIfLive(ctx context.Context, roomID string) (*domain.Room, bool, error) {
	var snap *domain.Room
	ok, err := c.doIfLive(ctx, roomID, func(a *actor) error {
		snap = a.room.Clone()
		return nil
	})
	return snap, ok && snap != nil, err
}

// Close: закрытие хостом. ErrRoomNotFound, если комнаты уже нет.
func (c *Coordinator) Close(ctx context.Context, roomID string, userID domain.UserID) error {
	return c.do(ctx, roomID, func(a *actor) error {
		if !a.room.IsHost(userID) {
			return domain.ErrNotHost
		}
		return c.terminate(ctx, a, events.ReasonClosedByHost)
	})
}

// Expire гасит комнату, уже удалённую из хранилища по сроку.
func (c *Coordinator) Expire(ctx context.Context, roomID, reason string) error {
	live, err := c.doIfLive(ctx, roomID, func(a *actor) error {
		return c.terminate(ctx, a, reason)
	})
	if err != nil {
		return err
	}
	if !live {
		c.writer.Forget(roomID)
		c.relay.Evict(roomID, events.RoomClosed{RoomID: roomID, Reason: reason})
	}
	return nil
}

// SweepLive гасит живые комнаты, чей срок прошёл к now.
func (c *Coordinator) SweepLive(ctx context.Context, now time.Time) []string {
	var expired []string
	for _, id := range c.liveIDs() {
		var hit bool
		_, err := c.doIfLive(ctx, id, func(a *actor) error {
			if !a.room.Expired(now) {
				return nil
			}
			hit = true
			return c.terminate(ctx, a, events.ReasonExpired)
		})
		if err != nil {
			c.log.Warn("live sweep failed", "room_id", id, "err", err)
			continue
		}
		if hit {
			expired = append(expired, id)
		}
	}
	return expired
}

// PersistenceStatus рассылает живым комнатам смену состояния хранилища.
func (c *Coordinator) PersistenceStatus(degraded bool) {
	for _, id := range c.liveIDs() {
		c.relay.Deliver(id, events.PersistenceStatus{Degraded: degraded}, "")
	}
}
