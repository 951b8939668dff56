package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Manager owns the mongo client lifecycle: the connection is established
// lazily on first use and torn down by a reaper after the configured idle
// window. Connect and Disconnect are idempotent, so a request arriving
// mid-teardown simply reconnects.
type Manager struct {
	uri         string
	database    string
	idleTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	client  *mongo.Client
	lastUse time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(uri, database string, idleTimeout time.Duration, log *zap.Logger) *Manager {
	m := &Manager{
		uri:         uri,
		database:    database,
		idleTimeout: idleTimeout,
		log:         log,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.reap()
	}
	return m
}

// Acquire returns the database handle, connecting if necessary, and stamps
// the idle clock.
func (m *Manager) Acquire(ctx context.Context) (*mongo.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	m.lastUse = time.Now()
	return m.client.Database(m.database), nil
}

func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connectLocked(ctx); err != nil {
		return err
	}
	m.lastUse = time.Now()
	return m.client.Ping(ctx, nil)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.client != nil {
		return nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(m.uri))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("ping mongo: %w", err)
	}

	m.client = client
	m.log.Info("mongo connected", zap.String("database", m.database))
	return nil
}

// Disconnect tears the client down. No-op when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(ctx)
}

func (m *Manager) disconnectLocked(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect(ctx)
	m.client = nil
	if err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	m.log.Info("mongo disconnected (idle)")
	return nil
}

// Close stops the reaper and disconnects.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	return m.Disconnect(ctx)
}

func (m *Manager) reap() {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := m.client != nil && time.Since(m.lastUse) >= m.idleTimeout
			if idle {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := m.disconnectLocked(ctx); err != nil {
					m.log.Warn("idle disconnect failed", zap.Error(err))
				}
				cancel()
			}
			m.mu.Unlock()
		}
	}
}
