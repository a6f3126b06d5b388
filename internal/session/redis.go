// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "chartgate:sessions:"

// RedisStore reads captured sessions from Redis. The capture collaborator
// writes one sorted set per (platform, email), scored by capture time, with
// JSON-encoded records as members.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	logger := log.WithComponent("session-store")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to session store")
	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, logger: log.WithComponent("session-store")}
}

func sessionKey(platform, email string) string {
	return keyPrefix + platform + ":" + strings.ToLower(email)
}

// GetLatestSessionForUser returns the newest record matching the credentials,
// or nil when no session exists. Records that fail to decode surface
// ErrMalformedSession rather than being skipped silently.
func (s *RedisStore) GetLatestSessionForUser(ctx context.Context, platform string, creds chart.Credentials) (*Record, error) {
	key := sessionKey(platform, creds.Email)
	members, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis read failed: %w", err)
	}

	for _, raw := range members {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
		}
		if rec.SessionCookie == "" || rec.UserEmail == "" {
			return nil, fmt.Errorf("%w: missing cookie or email", ErrMalformedSession)
		}
		if rec.UserPassword != creds.Password {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// GetSessionStats counts stored sessions per platform.
func (s *RedisStore) GetSessionStats(ctx context.Context) (Stats, error) {
	stats := Stats{PerPlatform: make(map[string]int64)}

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("session: redis zcard failed: %w", err)
		}
		rest := strings.TrimPrefix(key, keyPrefix)
		platform, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		stats.PerPlatform[platform] += n
		stats.TotalSessions += n
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("session: redis scan failed: %w", err)
	}
	return stats, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
