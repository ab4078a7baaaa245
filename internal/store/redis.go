package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Redis key layout. Users live in a hash keyed by username, tunnels in a
// hash keyed by id, both as JSON. Writers publish on the reload channel.
const (
	DefaultRedisPrefix = "relay:"
	redisUsersKey      = "users"
	redisTunnelsKey    = "tunnels"
	redisReloadChannel = "reload"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// RedisStore reads users and tunnels shared by several relay servers from
// Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix, log), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if log == nil {
		log = logger.Default()
	}
	return &RedisStore{client: client, prefix: prefix, log: log.With("component", "store")}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) Authenticate(ctx context.Context, username, password string) (uint32, error) {
	raw, err := s.client.HGet(ctx, s.key(redisUsersKey), username).Result()
	if errors.Is(err, redis.Nil) {
		return verify(nil, username, password)
	}
	if err != nil {
		return 0, fmt.Errorf("load user %q: %w", username, err)
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return 0, fmt.Errorf("%w: user %q: %v", ErrInvalidData, username, err)
	}
	if u.Username == "" {
		u.Username = username
	}
	if u.ID == tunnel.ServerUserID {
		return 0, fmt.Errorf("%w: user %q has id 0", ErrInvalidData, username)
	}
	return verify(&u, username, password)
}

func (s *RedisStore) Tunnels(ctx context.Context) ([]tunnel.Definition, error) {
	all, err := s.client.HGetAll(ctx, s.key(redisTunnelsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("load tunnels: %w", err)
	}
	defs := make([]tunnel.Definition, 0, len(all))
	for field, raw := range all {
		var d tunnel.Definition
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.log.Error("skipping undecodable tunnel", "field", field, "error", err)
			continue
		}
		defs = append(defs, d)
	}
	if err := checkTunnelIDs(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Watch subscribes to the reload channel.
func (s *RedisStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.key(redisReloadChannel))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe reload: %w", err)
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				notify(out)
			}
		}
	}()
	return out, nil
}

// PutUser stores u with a bcrypt hash of password.
func (s *RedisStore) PutUser(ctx context.Context, u User, password string) error {
	if password != "" {
		hash, err := HashPassword(password)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(redisUsersKey), u.Username, raw).Err()
}

// PutTunnel stores d under its id.
func (s *RedisStore) PutTunnel(ctx context.Context, d tunnel.Definition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(redisTunnelsKey), strconv.FormatUint(uint64(d.ID), 10), raw).Err()
}

// DeleteTunnel removes a tunnel.
func (s *RedisStore) DeleteTunnel(ctx context.Context, id uint32) error {
	return s.client.HDel(ctx, s.key(redisTunnelsKey), strconv.FormatUint(uint64(id), 10)).Err()
}

// NotifyReload tells every subscribed server to reload.
func (s *RedisStore) NotifyReload(ctx context.Context) error {
	return s.client.Publish(ctx, s.key(redisReloadChannel), "reload").Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
