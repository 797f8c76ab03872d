package pointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/point"
)

// writeScript swaps a field of the source hash and returns the previous encoded value,
// so the old value handed to dispatch can never come from a concurrent writer.
const writeScript = `
local old = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return old
`

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// RedisBackend stores one Redis hash per source: key "<prefix>:<source>", field name to
// JSON-encoded value.
type RedisBackend struct {
	client *redis.Client
	prefix string
	write  *redis.Script
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := NewRedisBackendFromClient(client, cfg.Prefix)
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "pointflow"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		write:  redis.NewScript(writeScript),
	}
}

func (r *RedisBackend) hashKey(source string) string {
	return r.prefix + ":pt:" + source
}

func (r *RedisBackend) linksKey() string {
	return r.prefix + ":links"
}

func unavailable(err error, method, action string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
		"RedisBackend", method, action)
}

func decodeValue(raw string) (*point.Value, error) {
	var v point.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "RedisBackend", "decode", "decode stored value")
	}
	return &v, nil
}

// Write implements Backend
func (r *RedisBackend) Write(ctx context.Context, key point.Key, v point.Value) (*point.Value, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisBackend", "Write", "encode value")
	}

	res, err := r.write.Run(ctx, r.client, []string{r.hashKey(key.Source())}, key.Field, string(encoded)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "Write", "run write script")
	}

	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return decodeValue(raw)
}

// Read implements Backend
func (r *RedisBackend) Read(ctx context.Context, key point.Key) (*point.Value, error) {
	raw, err := r.client.HGet(ctx, r.hashKey(key.Source()), key.Field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "Read", "hget")
	}
	return decodeValue(raw)
}

// ReadMany implements Backend with one pipelined round trip
func (r *RedisBackend) ReadMany(ctx context.Context, keys []point.Key) ([]*point.Value, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, r.hashKey(k.Source()), k.Field)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, unavailable(err, "ReadMany", "exec pipeline")
	}

	out := make([]*point.Value, len(keys))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, unavailable(err, "ReadMany", "hget")
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Scan implements Backend by SCANning source hashes that can match p
func (r *RedisBackend) Scan(ctx context.Context, p point.Pattern) ([]Entry, error) {
	match := r.hashKey(globSource(p))
	hashPrefix := r.hashKey("")

	var hashes []string
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		hashes = append(hashes, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err, "Scan", "scan source hashes")
	}
	sort.Strings(hashes)

	var out []Entry
	for _, h := range hashes {
		source := strings.TrimPrefix(h, hashPrefix)
		fields, err := r.client.HGetAll(ctx, h).Result()
		if err != nil {
			return nil, unavailable(err, "Scan", "hgetall")
		}
		for field, raw := range fields {
			k, err := point.ParseKey(source + point.Separator + field)
			if err != nil || !p.Matches(k) {
				continue
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, Entry{Key: k, Value: *v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// globSource turns the source part of a pattern into a Redis glob, escaping glob
// metacharacters in literal segments.
func globSource(p point.Pattern) string {
	segs := strings.Split(p.Source(), point.Separator)
	for i, s := range segs {
		if s != point.Wildcard {
			segs[i] = escapeGlob(s)
		}
	}
	return strings.Join(segs, point.Separator)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// SetLink implements Backend
func (r *RedisBackend) SetLink(ctx context.Context, target, source point.Key) error {
	if err := r.client.HSet(ctx, r.linksKey(), target.String(), source.String()).Err(); err != nil {
		return unavailable(err, "SetLink", "hset link")
	}
	return nil
}

// GetLink implements Backend
func (r *RedisBackend) GetLink(ctx context.Context, target point.Key) (*point.Key, error) {
	raw, err := r.client.HGet(ctx, r.linksKey(), target.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "GetLink", "hget link")
	}
	src, err := point.ParseKey(raw)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "RedisBackend", "GetLink", "parse linked key")
	}
	return &src, nil
}

// Ping implements Backend
func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err, "Ping", "ping redis")
	}
	return nil
}

// Close implements Backend
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
