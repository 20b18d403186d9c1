package ws

import (
	"log/slog"

	"github.com/cwrk-planet/coderoom-service/internal/events"
	"github.com/cwrk-planet/coderoom-service/internal/session"
)

// Relay рассылает события по привязкам реестра сессий.
type Relay struct {
	reg *session.Registry
	log *slog.Logger
}

func NewRelay(reg *session.Registry, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{reg: reg, log: log.With("component", "relay")}
}

// Deliver: всем соединениям комнаты, кроме excludeConnID (пустой: всем).
func (r *Relay) Deliver(roomID string, ev events.ServerEvent, excludeConnID string) {
	for _, c := range r.reg.MembersOf(roomID) {
		if c.ID() == excludeConnID {
			continue
		}
		if err := c.Send(ev); err != nil {
			r.log.Debug("deliver failed", "room_id", roomID, "conn_id", c.ID(), "type", ev.Type(), "err", err)
		}
	}
}

func (r *Relay) DeliverTo(connID string, ev events.ServerEvent) {
	c, ok := r.reg.Conn(connID)
	if !ok {
		return
	}
	if err := c.Send(ev); err != nil {
		r.log.Debug("deliver failed", "conn_id", connID, "type", ev.Type(), "err", err)
	}
}

// Evict отвязывает все соединения комнаты и шлёт им ev. Сокеты остаются
// открытыми: клиент может войти в другую комнату.
func (r *Relay) Evict(roomID string, ev events.ServerEvent) {
	for _, c := range r.reg.UnbindRoom(roomID) {
		if err := c.Send(ev); err != nil {
			r.log.Debug("evict notice failed", "room_id", roomID, "conn_id", c.ID(), "err", err)
		}
	}
}
