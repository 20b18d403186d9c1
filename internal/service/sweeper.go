package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Expirer interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

// Sweeper периодически удаляет истёкшие комнаты.
type Sweeper struct {
	svc      Expirer
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(svc Expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, stop: make(chan struct{})}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("sweeper started", "interval", s.interval)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	slog.Info("sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	n, err := s.svc.ExpireSweep(ctx, time.Now())
	if err != nil {
		slog.Error("sweeper: expire failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("sweeper: rooms expired", "count", n)
	}
}
