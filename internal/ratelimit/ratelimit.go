// Package ratelimit enforces sliding-window request limits backed by a
// shared atomic counter store.
//
// Counters live in Redis so every daemon replica sees the same window. The
// limiter prefers availability: when the counter store is unreachable it
// allows the request and logs a warning, unless fail-closed is configured.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

const (
	// DefaultWindow is used when a probe does not carry its own window.
	DefaultWindow = time.Minute

	keyPrefix   = "mb:ratelimit:"
	dialTimeout = 5 * time.Second
)

// Decision is the outcome of a limit check, shaped for the standard
// Limit/Remaining/Reset response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Probe is one counter to check: a key (the caller namespaces it, e.g.
// "user:usr_123" or "ip:203.0.113.9"), its ceiling, and its window.
type Probe struct {
	Key    string
	Max    int
	Window time.Duration
}

// Limiter checks request counters against per-window ceilings.
type Limiter struct {
	client     *redis.Client
	failClosed bool
	logger     *slog.Logger
}

// New builds a limiter over a connected client. failClosed rejects requests
// when the counter store is down instead of waving them through.
func New(client *redis.Client, failClosed bool, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client:     client,
		failClosed: failClosed,
		logger:     logger.With("component", "ratelimit"),
	}
}

// Dial connects to the counter store and verifies it is reachable.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, storage.NewError(storage.KindInvalidInput, "invalid redis url: %v", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, storage.WrapError(storage.KindIoError, err, "failed to reach redis")
	}
	return client, nil
}

// Check counts one request against the key's window. A max of zero or less
// means the key is unlimited. The first increment of a window starts its
// expiry clock; a counter that somehow lost its expiry is given one again
// rather than counting forever.
func (l *Limiter) Check(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{Allowed: true}, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}

	rkey := keyPrefix + key
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	ttl := pipe.TTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.degrade(key, err)
	}

	count := incr.Val()
	resetIn := ttl.Val()
	if count == 1 || resetIn < 0 {
		if err := l.client.Expire(ctx, rkey, window).Err(); err != nil {
			return l.degrade(key, err)
		}
		resetIn = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= max,
		Limit:     max,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// CheckMany runs several probes in parallel; any single denial denies the
// request. When all pass, the tightest decision comes back so response
// headers reflect the limit the client will hit first.
func (l *Limiter) CheckMany(ctx context.Context, probes []Probe) (Decision, error) {
	if len(probes) == 0 {
		return Decision{Allowed: true}, nil
	}

	decisions := make([]Decision, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			d, err := l.Check(gctx, p.Key, p.Max, p.Window)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	out := Decision{Allowed: true}
	picked := false
	for _, d := range decisions {
		if !d.Allowed {
			return d, nil
		}
		if d.Limit == 0 {
			continue
		}
		if !picked || d.Remaining < out.Remaining {
			out = d
			picked = true
		}
	}
	return out, nil
}

func (l *Limiter) degrade(key string, err error) (Decision, error) {
	if l.failClosed {
		return Decision{}, storage.WrapError(storage.KindIoError, err, "rate limit store unreachable")
	}
	l.logger.Warn("rate limit store unreachable, allowing request",
		"key", key,
		"error", err)
	return Decision{Allowed: true}, nil
}
