package dpop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisReplayGuardConfig configures a RedisReplayGuard. Defaults can be
// loaded from the environment via envdecode.
type RedisReplayGuardConfig struct {
	// RedisAddr like "localhost:6379". ENV: DPOP_REDIS_ADDR
	RedisAddr string `env:"DPOP_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all replay keys. ENV: DPOP_REPLAY_KEY_PREFIX
	KeyPrefix string `env:"DPOP_REPLAY_KEY_PREFIX,default=dpop:jti:"`
	// Window is the validity window in seconds. ENV: DPOP_PROOF_WINDOW_SECONDS
	WindowSeconds int `env:"DPOP_PROOF_WINDOW_SECONDS,default=300"`
	// Skew is the future-iat tolerance in seconds. ENV: DPOP_CLOCK_SKEW_SECONDS
	SkewSeconds int `env:"DPOP_CLOCK_SKEW_SECONDS,default=60"`
}

// RedisReplayGuard is a ReplayGuard backed by Redis, for deployments where
// proof verification is spread across replicas. The check-and-record step
// is a single SET NX with a TTL derived from the proof's iat, so two
// concurrent submissions of the same jti accept exactly one.
type RedisReplayGuard struct {
	client    *redis.Client
	keyPrefix string
	window    time.Duration
	skew      time.Duration
}

// NewRedisReplayGuard creates a Redis-backed replay guard and verifies
// connectivity with a ping.
func NewRedisReplayGuard(cfg RedisReplayGuardConfig) (*RedisReplayGuard, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dpop:jti:"
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = DefaultValidityWindow
	}
	skew := time.Duration(cfg.SkewSeconds) * time.Second
	if skew <= 0 {
		skew = DefaultClockSkew
	}

	return &RedisReplayGuard{
		client:    cl,
		keyPrefix: prefix,
		window:    window,
		skew:      skew,
	}, nil
}

// NewRedisReplayGuardFromEnv builds a guard using envdecode to populate the
// config; defaults are provided via struct tags.
func NewRedisReplayGuardFromEnv() (*RedisReplayGuard, error) {
	var cfg RedisReplayGuardConfig
	_ = envdecode.Decode(&cfg)
	return NewRedisReplayGuard(cfg)
}

// CheckAndRecord validates the entry's iat window and records its jti with
// SET NX. The key TTL is expires_at - now, so Redis reclaims entries on its
// own schedule; rejection never depends on reclamation having run.
func (g *RedisReplayGuard) CheckAndRecord(ctx context.Context, entry Entry, now time.Time) error {
	if entry.JTI == "" {
		return ErrInvalidJTI
	}
	if len(entry.JTI) > MaxJTILength {
		return ErrJTITooLong
	}

	if err := checkWindow(entry.IAT, now, g.window, g.skew); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	expiresAt := time.Unix(entry.IAT+int64(g.window.Seconds()), 0)
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		// checkWindow already guarantees this cannot happen; keep the key
		// from living forever if it somehow does.
		ttl = time.Second
	}

	ok, err := g.client.SetNX(ctx, g.keyPrefix+entry.JTI, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrReplay()
	}
	return nil
}

// Close closes the Redis client.
func (g *RedisReplayGuard) Close() error {
	return g.client.Close()
}

var _ ReplayGuard = (*RedisReplayGuard)(nil)
