// Package scheduler запускает фоновые проходы синхронизации: по таймеру,
// при появлении сети и по запросу. Одновременно выполняется не более одного прохода.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStopped возвращается после Stop
	ErrStopped = errors.New("scheduler is stopped")

	// ErrOffline возвращается при ручном запуске без сети
	ErrOffline = errors.New("network is offline")

	// ErrAlreadyStarted возвращается при повторном Start
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// DrainFunc выполняет один проход по очереди
type DrainFunc func(ctx context.Context) error

// Scheduler single-flight планировщик проходов.
// Триггер во время прохода не ставится в очередь, а взводит флаг
// "еще один проход после текущего".
type Scheduler struct {
	ctx     context.Context
	drain   DrainFunc
	logger  *slog.Logger
	stopCh  chan struct{}
	done    chan struct{} // done закрывается, когда текущая серия проходов завершена
	lastErr error
	wg      sync.WaitGroup
	mu      sync.Mutex
	runs    uint64
	running bool
	rerun   bool
	online  bool
	started bool
	stopped bool
}

// New creates a scheduler. The network is assumed online until SetOnline(false).
func New(drain DrainFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		ctx:    context.Background(),
		drain:  drain,
		logger: logger,
		stopCh: make(chan struct{}),
		online: true,
	}
}

// Start запускает периодические проходы с интервалом interval.
// interval <= 0 отключает таймер: проходы только по триггерам.
// Отмена ctx не прерывает уже начатый проход.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx = context.WithoutCancel(ctx)

	if interval > 0 {
		s.wg.Add(1)
		go s.tickLoop(ctx, interval)
	}

	s.logger.Info("Sync scheduler started", "interval", interval)
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Trigger("tick")
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Trigger запрашивает проход. Возвращает false, если планировщик
// остановлен или сеть недоступна.
func (s *Scheduler) Trigger(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.online {
		s.logger.Debug("Drain trigger ignored", "reason", reason, "stopped", s.stopped, "online", s.online)
		return false
	}
	if s.running {
		s.rerun = true
		return true
	}

	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(reason)
	return true
}

// run выполняет проходы, пока взведен флаг rerun
func (s *Scheduler) run(reason string) {
	defer s.wg.Done()

	for {
		s.logger.Debug("Drain starting", "reason", reason)
		err := s.drain(s.ctx)
		if err != nil {
			s.logger.Warn("Drain failed", "reason", reason, "error", err)
		}

		s.mu.Lock()
		s.lastErr = err
		s.runs++
		if s.rerun && !s.stopped && s.online {
			s.rerun = false
			s.mu.Unlock()
			reason = "rerun"
			continue
		}
		s.running = false
		s.rerun = false
		close(s.done)
		s.mu.Unlock()
		return
	}
}

// RunNow запускает проход (или дожидается текущего и еще одного) и
// возвращает ошибку последнего прохода
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	stopped, online := s.stopped, s.online
	s.mu.Unlock()

	if stopped {
		return ErrStopped
	}
	if !online {
		return ErrOffline
	}
	if !s.Trigger("manual") {
		return ErrStopped
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Wait дожидается завершения текущей серии проходов
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnline меняет состояние сети. Переход offline -> online запускает проход.
// Возвращает true, если состояние изменилось.
func (s *Scheduler) SetOnline(online bool) bool {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		s.logger.Info("Network state changed", "online", online)
		if online {
			s.Trigger("online")
		}
	}
	return changed
}

// Online reports the current network state.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Runs returns the number of completed drains.
func (s *Scheduler) Runs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Stop запрещает новые проходы и дожидается завершения текущего.
// Начатый запрос не отменяется.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}
