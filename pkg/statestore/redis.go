package statestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
)

// RedisConfig configures the Redis state backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// Database number to use (default: 0)
	Database int `yaml:"database"`

	// Prefix is prepended to all state keys (e.g., "xdmod:state:")
	Prefix string `yaml:"prefix"`

	// Timeout for Redis operations
	Timeout time.Duration `yaml:"timeout"`

	// PoolSize is the maximum number of connections
	PoolSize int `yaml:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults. State never expires, so there
// is no TTL.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "xdmod:state:",
		Timeout:  5 * time.Second,
		PoolSize: 4,
	}
}

// RedisBackend stores each state object as a hash and keeps an index set of
// all keys for listing.
type RedisBackend struct {
	cfg    RedisConfig
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBackendWithClient(cfg, client), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(cfg RedisConfig, client redis.UniversalClient) *RedisBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisBackend{cfg: cfg, client: client, logger: zerolog.Nop()}
}

// SetLogger sets the logger used for index maintenance warnings.
func (b *RedisBackend) SetLogger(logger zerolog.Logger) *RedisBackend {
	b.logger = logger.With().Str("backend", "redis").Logger()
	return b
}

func (b *RedisBackend) key(stateKey string) string {
	return b.cfg.Prefix + stateKey
}

func (b *RedisBackend) indexKey() string {
	return b.cfg.Prefix + "index"
}

const (
	fieldType      = "state_type"
	fieldCreating  = "creating_action"
	fieldModifying = "modifying_action"
	fieldCreated   = "creation_time"
	fieldModified  = "modified_time"
	fieldSize      = "state_size_bytes"
	fieldObject    = "state_object"
)

var metaFields = []string{fieldType, fieldCreating, fieldModifying, fieldCreated, fieldModified, fieldSize}

// Load retrieves a state hash.
func (b *RedisBackend) Load(ctx context.Context, key string) (*Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	vals, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state from Redis: %w", err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	meta, err := decodeHashMeta(key, vals)
	if err != nil {
		return nil, false, err
	}
	return &Record{Meta: meta, Payload: []byte(vals[fieldObject])}, true, nil
}

// Save writes the hash and index entry in one MULTI/EXEC transaction. The
// creating action and creation time of an existing hash are preserved.
func (b *RedisBackend) Save(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	m := rec.Meta
	k := b.key(m.Key)
	pipe := b.client.TxPipeline()
	pipe.HSetNX(ctx, k, fieldCreating, m.CreatingAction)
	pipe.HSetNX(ctx, k, fieldCreated, m.CreationTime.UTC().Format(time.RFC3339Nano))
	pipe.HSet(ctx, k,
		fieldType, string(m.Type),
		fieldModifying, m.ModifyingAction,
		fieldModified, m.ModifiedTime.UTC().Format(time.RFC3339Nano),
		fieldSize, strconv.FormatInt(m.SizeBytes, 10),
		fieldObject, string(rec.Payload),
	)
	pipe.SAdd(ctx, b.indexKey(), m.Key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save state to Redis: %w", err)
	}
	return nil
}

// Delete removes the hash and its index entry.
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.key(key))
	pipe.SRem(ctx, b.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete state from Redis: %w", err)
	}
	return del.Val() > 0, nil
}

// List returns metadata for every indexed key. Stale index entries whose hash
// has disappeared are removed.
func (b *RedisBackend) List(ctx context.Context) ([]actionstate.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	keys, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state index: %w", err)
	}
	sort.Strings(keys)

	pipe := b.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, b.key(key), metaFields...)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read state metadata: %w", err)
		}
	}

	var metas []actionstate.Metadata
	for i, cmd := range cmds {
		vals := make(map[string]string, len(metaFields))
		for j, v := range cmd.Val() {
			if s, ok := v.(string); ok {
				vals[metaFields[j]] = s
			}
		}
		if len(vals) == 0 {
			if err := b.client.SRem(ctx, b.indexKey(), keys[i]).Err(); err != nil {
				b.logger.Warn().Err(err).Str("key", keys[i]).Msg("failed to prune stale index entry")
			}
			continue
		}
		meta, err := decodeHashMeta(keys[i], vals)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func decodeHashMeta(key string, vals map[string]string) (actionstate.Metadata, error) {
	meta := actionstate.Metadata{
		Key:             key,
		Type:            actionstate.Type(vals[fieldType]),
		CreatingAction:  vals[fieldCreating],
		ModifyingAction: vals[fieldModifying],
	}
	var err error
	if s := vals[fieldCreated]; s != "" {
		if meta.CreationTime, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return meta, fmt.Errorf("bad creation_time for %s: %w", key, err)
		}
	}
	if s := vals[fieldModified]; s != "" {
		if meta.ModifiedTime, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return meta, fmt.Errorf("bad modified_time for %s: %w", key, err)
		}
	}
	if s := vals[fieldSize]; s != "" {
		if meta.SizeBytes, err = strconv.ParseInt(s, 10, 64); err != nil {
			return meta, fmt.Errorf("bad state_size_bytes for %s: %w", key, err)
		}
	}
	return meta, nil
}
