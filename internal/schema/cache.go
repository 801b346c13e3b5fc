package schema

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hellio/hrchat/internal/observability"
)

const (
	refreshKey          = "describe"
	defaultRetryBackoff = 5 * time.Second
	refreshTimeout      = 10 * time.Second
)

type CacheOptions struct {
	// TTL of zero keeps a descriptor for the life of the process.
	TTL          time.Duration
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// Cache shares one descriptor between requests; concurrent refreshes collapse into one catalog query.
type Cache struct {
	source       Source
	ttl          time.Duration
	retryBackoff time.Duration
	logger       *slog.Logger
	now          func() time.Time

	current atomic.Pointer[Descriptor]
	// generation counts invalidations; loaded is the generation the current descriptor was read at.
	generation atomic.Uint64
	loaded     atomic.Uint64
	retryAt    atomic.Int64
	group      singleflight.Group
}

func NewCache(source Source, opts CacheOptions) *Cache {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Cache{
		source:       source,
		ttl:          opts.TTL,
		retryBackoff: opts.RetryBackoff,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

func (c *Cache) Current(ctx context.Context) (Descriptor, error) {
	cached := c.current.Load()
	if cached != nil && !c.needsRefresh(cached) {
		return *cached, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if latest := c.current.Load(); latest != nil && !c.needsRefresh(latest) {
			return latest, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		if cached != nil {
			return *cached, nil
		}
		return Descriptor{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if cached != nil {
				return *cached, nil
			}
			return Descriptor{}, res.Err
		}
		return *res.Val.(*Descriptor), nil
	}
}

// Refresh rebuilds the descriptor now, regardless of its age.
func (c *Cache) Refresh(ctx context.Context) (Descriptor, error) {
	res, err, _ := c.group.Do(refreshKey, func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return Descriptor{}, err
	}
	return *res.(*Descriptor), nil
}

func (c *Cache) Invalidate() {
	c.generation.Add(1)
	c.retryAt.Store(0)
}

// Ready reports whether a descriptor has been loaded at least once.
func (c *Cache) Ready() bool {
	return c.current.Load() != nil
}

func (c *Cache) needsRefresh(d *Descriptor) bool {
	now := c.now()
	if retryAt := c.retryAt.Load(); retryAt != 0 && now.UnixNano() < retryAt {
		return false
	}
	if c.generation.Load() != c.loaded.Load() {
		return true
	}
	return c.ttl > 0 && now.Sub(d.LoadedAt) >= c.ttl
}

func (c *Cache) refresh(ctx context.Context) (*Descriptor, error) {
	start := c.now()
	generation := c.generation.Load()
	descriptor, err := c.source.Describe(ctx)
	observability.ObserveSchemaRefresh(len(descriptor.Tables), err)
	if err != nil {
		c.retryAt.Store(c.now().Add(c.retryBackoff).UnixNano())
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "schema refresh failed",
				slog.Bool("serving_stale", c.current.Load() != nil),
				slog.Any("error", err),
			)
		}
		return nil, err
	}

	c.current.Store(&descriptor)
	c.loaded.Store(generation)
	c.retryAt.Store(0)
	if c.logger != nil {
		c.logger.InfoContext(ctx, "schema refreshed",
			slog.String("schema", descriptor.SchemaName),
			slog.Int("tables", len(descriptor.Tables)),
			slog.Duration("duration", c.now().Sub(start)),
		)
	}
	return &descriptor, nil
}
