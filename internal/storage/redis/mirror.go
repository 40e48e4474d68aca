// Package redis mirrors session snapshots into Redis so external pollers can read progress
// without touching the primary store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultPrefix = "catalog:session:"
	defaultTTL    = 24 * time.Hour
	mirrorTimeout = 2 * time.Second
)

type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Config controls the mirror.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// MirroredStore decorates a SessionStore and copies every mutated session to Redis.
// Mirror failures are logged; the wrapped store stays authoritative.
type MirroredStore struct {
	crawler.SessionStore
	client client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps store with a Redis mirror at cfg.Addr.
func New(store crawler.SessionStore, cfg Config, logger *zap.Logger) (*MirroredStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("mirror.addr is required")
	}
	c := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return newWithClient(store, c, cfg, logger), nil
}

func newWithClient(store crawler.SessionStore, c client, cfg Config, logger *zap.Logger) *MirroredStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirroredStore{
		SessionStore: store,
		client:       c,
		prefix:       cfg.Prefix,
		ttl:          cfg.TTL,
		logger:       logger.Named("redis_mirror"),
	}
}

// Close closes the Redis client.
func (m *MirroredStore) Close() error {
	return m.client.Close()
}

// Snapshot reads the mirrored copy of a session.
func (m *MirroredStore) Snapshot(ctx context.Context, id string) (crawler.Session, bool, error) {
	val, err := m.client.Get(ctx, m.prefix+id).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return crawler.Session{}, false, nil
		}
		return crawler.Session{}, false, fmt.Errorf("read session snapshot: %w", err)
	}
	var session crawler.Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return crawler.Session{}, false, fmt.Errorf("decode session snapshot: %w", err)
	}
	return session, true, nil
}

// CreateSession implements crawler.SessionStore.
func (m *MirroredStore) CreateSession(ctx context.Context, session crawler.Session) error {
	if err := m.SessionStore.CreateSession(ctx, session); err != nil {
		return err
	}
	m.mirror(ctx, session.ID)
	return nil
}

// UpdateStatus implements crawler.SessionStore.
func (m *MirroredStore) UpdateStatus(
	ctx context.Context,
	id string,
	status crawler.SessionStatus,
	errText string,
) error {
	if err := m.SessionStore.UpdateStatus(ctx, id, status, errText); err != nil {
		return err
	}
	m.mirror(ctx, id)
	return nil
}

// SetTotalPages implements crawler.SessionStore.
func (m *MirroredStore) SetTotalPages(ctx context.Context, id string, total int) error {
	if err := m.SessionStore.SetTotalPages(ctx, id, total); err != nil {
		return err
	}
	m.mirror(ctx, id)
	return nil
}

// SetName implements crawler.SessionStore.
func (m *MirroredStore) SetName(ctx context.Context, id string, name string) error {
	if err := m.SessionStore.SetName(ctx, id, name); err != nil {
		return err
	}
	m.mirror(ctx, id)
	return nil
}

// CommitProgress implements crawler.SessionStore.
func (m *MirroredStore) CommitProgress(ctx context.Context, id string, scraped int) error {
	if err := m.SessionStore.CommitProgress(ctx, id, scraped); err != nil {
		return err
	}
	m.mirror(ctx, id)
	return nil
}

// DeleteSession implements crawler.SessionStore.
func (m *MirroredStore) DeleteSession(ctx context.Context, id string) error {
	if err := m.SessionStore.DeleteSession(ctx, id); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := m.client.Del(ctx, m.prefix+id).Err(); err != nil {
		m.logger.Warn("mirror delete failed", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

func (m *MirroredStore) mirror(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	logger := m.logger.With(zap.String("session_id", id))
	session, err := m.SessionStore.GetSession(ctx, id)
	if err != nil {
		logger.Warn("mirror reload failed", zap.Error(err))
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		logger.Warn("mirror encode failed", zap.Error(err))
		return
	}
	if err := m.client.Set(ctx, m.prefix+id, payload, m.ttl).Err(); err != nil {
		logger.Warn("mirror write failed", zap.Error(err))
	}
}
