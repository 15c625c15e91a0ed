// Package offline собирает движок синхронизации в один фасад: хранилище,
// шифрование, очередь, конфликты, индекс, квоту и планировщик.
// Только фасад меняет sync status записей.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/cache"
	"github.com/iudanet/tasksync/internal/client/conflict"
	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/quota"
	"github.com/iudanet/tasksync/internal/client/scheduler"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/models"
)

// State состояние жизненного цикла фасада
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTearingDown:
		return "tearing_down"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotReady возвращается при вызове операций до завершения Initialize или после Close
	ErrNotReady = errors.New("offline manager is not ready")

	// ErrConflictPending возвращается при изменении записи с неразрешенным конфликтом
	ErrConflictPending = errors.New("entity has an unresolved conflict")

	// ErrEntityDeleted возвращается при изменении удаленной записи
	ErrEntityDeleted = errors.New("entity is deleted")
)

// Options зависимости и настройки фасада
type Options struct {
	Backend    storage.Backend  // Backend закрывается фасадом в Close
	Remote     clientapi.Remote // Remote nil - только локальный режим
	Encryption encryption.Options
	TextPaths  map[models.EntityType][]string
	Sync       clientsync.Config
	Quota      quota.Config
	Store      store.Config
	// SyncInterval период фоновых проходов; 0 - только по запросу
	SyncInterval time.Duration
	CacheTTL     time.Duration
	MaxRetries   int
	// AutoSync запускать проход после каждой локальной мутации
	AutoSync bool
}

// Manager фасад движка синхронизации
type Manager struct {
	backend   storage.Backend
	remote    clientapi.Remote
	store     store.Service
	queue     *clientsync.Queue
	syncer    *clientsync.Manager
	resolver  *conflict.Resolver
	index     *search.Index
	quota     *quota.Manager
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedMutex

	lastResult *clientsync.DrainResult
	opts       Options

	// opMu: операции берут RLock, Import и Close - Lock
	opMu    sync.RWMutex
	stateMu sync.Mutex
	resMu   sync.Mutex
	state   State
}

// New creates an uninitialized façade.
func New(opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		backend: opts.Backend,
		remote:  opts.Remote,
		bus:     events.NewBus(),
		logger:  logger.With("component", "offline"),
		now:     time.Now,
		locks:   newKeyedMutex(),
		opts:    opts,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Initialize собирает компоненты, перестраивает индекс и запускает планировщик.
// При ошибке фасад возвращается в uninitialized и может быть инициализирован снова.
func (m *Manager) Initialize(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.stateMu.Unlock()
		return fmt.Errorf("cannot initialize offline manager in state %s", state)
	}
	m.state = StateInitializing
	m.stateMu.Unlock()

	if err := m.initialize(ctx); err != nil {
		m.setState(StateUninitialized)
		return err
	}

	m.setState(StateReady)
	m.logger.Info("Offline manager ready", "index_size", m.index.Len(), "remote", m.remote != nil)

	if m.opts.SyncInterval > 0 && m.remote != nil {
		if err := m.scheduler.Start(ctx, m.opts.SyncInterval); err != nil {
			m.logger.Error("Failed to start sync scheduler", "error", err)
		}
	}
	return nil
}

func (m *Manager) initialize(ctx context.Context) error {
	if m.backend == nil {
		return errors.New("storage backend is required")
	}

	enc, err := encryption.NewService(ctx, m.backend, m.opts.Encryption, m.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	m.store = store.NewService(m.backend, enc, m.opts.Store, m.logger)

	m.queue, err = clientsync.NewQueue(ctx, m.backend, m.opts.MaxRetries, m.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync queue: %w", err)
	}

	m.resolver = conflict.NewResolver(m.backend, m.logger)
	m.index = search.NewIndex(m.opts.TextPaths, m.logger)
	m.quota = quota.NewManager(m.backend, m, m.opts.Quota, m.logger)

	if m.remote != nil {
		m.syncer = clientsync.NewManager(m.queue, m.remote, m, m.resolver, m.bus, m.opts.Sync, m.logger)
		m.cache = cache.New(m.backend, m.remote, m.opts.CacheTTL, m.logger)
	}
	m.scheduler = scheduler.New(m.drain, m.logger)

	if err := m.rebuildIndex(ctx); err != nil {
		return err
	}
	return nil
}

// rebuildIndex заполняет индекс из хранилища
func (m *Manager) rebuildIndex(ctx context.Context) error {
	m.index.Reset()
	for _, t := range models.EntityTypes() {
		entities, err := m.store.GetAll(ctx, t, store.Filter{})
		if err != nil {
			return fmt.Errorf("failed to rebuild search index: %w", err)
		}
		for _, e := range entities {
			m.index.IndexEntity(e)
		}
	}
	return nil
}

// Close останавливает планировщик (текущий проход завершается), закрывает шину
// событий и хранилище.
func (m *Manager) Close() error {
	m.stateMu.Lock()
	if m.state != StateReady {
		state := m.state
		m.stateMu.Unlock()
		if state == StateClosed {
			return nil
		}
		return fmt.Errorf("cannot close offline manager in state %s", state)
	}
	m.state = StateTearingDown
	m.stateMu.Unlock()

	m.scheduler.Stop()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs error
	m.bus.Close()
	if err := m.backend.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close storage: %w", err))
	}

	m.setState(StateClosed)
	m.logger.Info("Offline manager closed")
	return errs
}

// begin проверяет состояние и берет разделяемую блокировку операций
func (m *Manager) begin() (func(), error) {
	if m.State() != StateReady {
		return nil, ErrNotReady
	}
	m.opMu.RLock()
	// Close мог начаться между проверкой и блокировкой
	if m.State() != StateReady {
		m.opMu.RUnlock()
		return nil, ErrNotReady
	}
	return m.opMu.RUnlock, nil
}

// Subscribe подписывает на события движка. buffer <= 0 - размер по умолчанию.
func (m *Manager) Subscribe(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = events.DefaultBuffer
	}
	return m.bus.Subscribe(buffer)
}

func (m *Manager) publish(typ events.Type, e *models.Entity, errText string) {
	ev := events.Event{Type: typ, Error: errText}
	if e != nil {
		ev.EntityType = e.Type
		ev.EntityID = e.ID
		ev.Payload = e.Clone()
	}
	m.bus.Publish(ev)
}

// keyedMutex сериализует мутации одной записи
type keyedMutex struct {
	locks map[string]*keyedLock
	mu    sync.Mutex
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock блокирует ключ и возвращает функцию разблокировки
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
