package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// EntityNotification is the payload the entity trigger sends on EntityChannel.
type EntityNotification struct {
	Type    synckit.EntityType `json:"type"`
	ID      string             `json:"id"`
	Version uint64             `json:"version"`
	Op      string             `json:"op"`
}

// ParseNotification decodes a trigger payload.
func ParseNotification(payload string) (EntityNotification, error) {
	var n EntityNotification
	if err := codec.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	if n.Type == "" || n.ID == "" {
		return n, fmt.Errorf("notification without entity reference: %q", payload)
	}
	n.Op = strings.ToUpper(n.Op)
	return n, nil
}

// Listener republishes entity changes committed by any process sharing the
// database as ChangeEntity events on a broker. Changes made by this process
// arrive twice; subscribers see the same state both times.
type Listener struct {
	listener     *pq.Listener
	store        synckit.LocalStore
	broker       *synckit.Broker
	logger       *slog.Logger
	pingInterval time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewListener opens a dedicated LISTEN connection for the store's database.
func (s *Store) NewListener(broker *synckit.Broker) *Listener {
	return NewListener(s.config, s.Store(), broker)
}

// NewListener returns a listener that reads changed entities from store and
// publishes them to broker.
func NewListener(config *Config, store synckit.LocalStore, broker *synckit.Broker) *Listener {
	config.setDefaults()
	l := &Listener{
		store:        store,
		broker:       broker,
		logger:       config.Logger.With(slog.String("channel", EntityChannel)),
		pingInterval: config.PingInterval,
		done:         make(chan struct{}),
	}
	l.listener = pq.NewListener(config.ConnectionString, config.MinReconnectInterval, config.MaxReconnectInterval, l.eventCallback)
	return l
}

func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("Connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN itself; notifications sent while disconnected are lost.
		l.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Connection attempt failed", slog.Any("error", err))
	}
}

// Start subscribes to EntityChannel and processes notifications until ctx
// ends or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.listener.Listen(EntityChannel); err != nil {
		return Dialect{}.Classify("postgres.Listen", err)
	}
	l.wg.Add(1)
	go l.loop(ctx)
	return nil
}

func (l *Listener) loop(ctx context.Context) {
	defer l.wg.Done()
	defer l.logger.Info("Notification listener stopped")

	ping := time.NewTicker(l.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect.
			if n != nil {
				l.handle(ctx, n.Extra)
			}
		case <-ping.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.Warn("Ping failed", slog.Any("error", err))
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	n, err := ParseNotification(payload)
	if err != nil {
		l.logger.Warn("Ignoring malformed notification", slog.Any("error", err))
		return
	}
	ref := synckit.EntityRef{Type: n.Type, ID: n.ID}

	var entity *synckit.Entity
	if n.Op != "DELETE" {
		entity, err = l.store.Get(ctx, n.Type, n.ID)
		if err != nil {
			l.logger.Warn("Failed to load notified entity", slog.String("entity", ref.String()), slog.Any("error", err))
			return
		}
	}
	l.broker.Publish(synckit.Change{Kind: synckit.ChangeEntity, Ref: ref, Entity: entity, At: time.Now()})
}

// Close stops the loop and the LISTEN connection.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.listener.Close()
	})
	return err
}
