package matchstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/redis/go-redis/v9"

	"github.com/dbsmedya/geomatch/internal/config"
)

// NeighborCache stores neighbor lists keyed by index version so a list is
// never served for a version other than the one it was read at.
type NeighborCache interface {
	Get(ctx context.Context, version, imageID int64) ([]Neighbor, bool, error)
	Set(ctx context.Context, version, imageID int64, nbrs []Neighbor) error
}

// RedisCache is a NeighborCache backed by redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the configured redis server.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCache{client: client, ttl: time.Duration(cfg.TTLSeconds) * time.Second}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(version, imageID int64) string {
	return "geomatch:nb:" + strconv.FormatInt(version, 10) + ":" + strconv.FormatInt(imageID, 10)
}

// Get implements NeighborCache.
func (c *RedisCache) Get(ctx context.Context, version, imageID int64) ([]Neighbor, bool, error) {
	b, err := c.client.Get(ctx, cacheKey(version, imageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	nbrs, err := decodeNeighbors(b)
	if err != nil {
		return nil, false, err
	}
	return nbrs, true, nil
}

// Set implements NeighborCache.
func (c *RedisCache) Set(ctx context.Context, version, imageID int64, nbrs []Neighbor) error {
	b, err := encodeNeighbors(nbrs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(version, imageID), b, c.ttl).Err()
}

// Close closes the redis client.
func (c *RedisCache) Close() error { return c.client.Close() }

const (
	encRaw byte = 0
	encLZ4 byte = 1
)

// encodeNeighbors packs a list sorted by id as uvarint id deltas followed by
// inliers and config, then lz4-compresses the block when that helps.
// Layout: flag byte, uvarint raw length, body.
func encodeNeighbors(nbrs []Neighbor) ([]byte, error) {
	raw := make([]byte, 0, len(nbrs)*6+binary.MaxVarintLen64)
	raw = binary.AppendUvarint(raw, uint64(len(nbrs)))
	var prev int64
	for i, n := range nbrs {
		if i > 0 && n.ID < prev {
			return nil, fmt.Errorf("neighbor list not sorted at %d", i)
		}
		raw = binary.AppendUvarint(raw, uint64(n.ID-prev))
		raw = binary.AppendUvarint(raw, uint64(n.Inliers))
		raw = binary.AppendUvarint(raw, uint64(n.Config))
		prev = n.ID
	}

	out := []byte{encRaw}
	out = binary.AppendUvarint(out, uint64(len(raw)))

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, dst)
	if err == nil && n > 0 && n < len(raw) {
		out[0] = encLZ4
		return append(out, dst[:n]...), nil
	}
	return append(out, raw...), nil
}

func decodeNeighbors(b []byte) ([]Neighbor, error) {
	if len(b) < 2 {
		return nil, errors.New("neighbor list too short")
	}
	flag := b[0]
	rawLen, k := binary.Uvarint(b[1:])
	if k <= 0 {
		return nil, errors.New("bad neighbor list header")
	}
	body := b[1+k:]

	var raw []byte
	switch flag {
	case encRaw:
		raw = body
	case encLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress neighbor list: %w", err)
		}
		raw = raw[:n]
	default:
		return nil, fmt.Errorf("unknown neighbor list encoding %d", flag)
	}
	if uint64(len(raw)) != rawLen {
		return nil, errors.New("neighbor list length mismatch")
	}

	count, k := binary.Uvarint(raw)
	if k <= 0 {
		return nil, errors.New("bad neighbor count")
	}
	raw = raw[k:]
	nbrs := make([]Neighbor, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		var vals [3]uint64
		for j := range vals {
			v, k := binary.Uvarint(raw)
			if k <= 0 {
				return nil, fmt.Errorf("truncated neighbor list at %d", i)
			}
			vals[j] = v
			raw = raw[k:]
		}
		prev += int64(vals[0])
		nbrs = append(nbrs, Neighbor{ID: prev, Inliers: int(vals[1]), Config: int(vals[2])})
	}
	return nbrs, nil
}
