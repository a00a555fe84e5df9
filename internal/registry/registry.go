// Package registry tracks live inference backends in the shared Redis
// instance. Each backend holds a TTL lease under models/{id} and refreshes
// it from a background task; an entry that stops refreshing disappears on
// its own, so discovery never returns a dead endpoint for long.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	gateway "github.com/sigil-ai/sigil/internal"
)

const (
	keyPrefix = "models/"

	// LeaseTTL is how long a registration survives without a refresh.
	LeaseTTL = 60 * time.Second
)

// Registry reads and writes model registrations.
type Registry struct {
	rdb    redis.UniversalClient
	log    *slog.Logger
	newRDB func() redis.UniversalClient // re-init hook after transport errors
}

// New builds a Registry. newRDB, when non-nil, is invoked to replace the
// client after a failed keep-alive refresh.
func New(rdb redis.UniversalClient, log *slog.Logger, newRDB func() redis.UniversalClient) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{rdb: rdb, log: log, newRDB: newRDB}
}

// Register writes the endpoint under its model ID with the lease TTL.
func (r *Registry) Register(ctx context.Context, ep *gateway.ModelEndpoint) error {
	b, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("registry: marshal endpoint: %w", err)
	}
	if err := r.rdb.SetEx(ctx, keyPrefix+ep.Metadata.ID, b, LeaseTTL).Err(); err != nil {
		return fmt.Errorf("registry: register %s: %w", ep.Metadata.ID, err)
	}
	return nil
}

// Unregister drops the endpoint's lease.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", id, err)
	}
	return nil
}

// Get returns the endpoint registered under id, or gateway.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*gateway.ModelEndpoint, error) {
	b, err := r.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("model %q: %w", id, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	var ep gateway.ModelEndpoint
	if err := json.Unmarshal(b, &ep); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", id, err)
	}
	return &ep, nil
}

// Discover lists registered endpoints, optionally filtered by a
// case-insensitive name substring and required feature tags.
func (r *Registry) Discover(ctx context.Context, name string, features []string) ([]*gateway.ModelEndpoint, error) {
	var out []*gateway.ModelEndpoint
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		b, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // lease expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get %s: %w", iter.Val(), err)
		}
		var ep gateway.ModelEndpoint
		if err := json.Unmarshal(b, &ep); err != nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "registry: skipping undecodable entry",
				slog.String("key", iter.Val()), slog.String("error", err.Error()))
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(ep.Metadata.Name), strings.ToLower(name)) {
			continue
		}
		if !hasFeatures(&ep.Metadata, features) {
			continue
		}
		out = append(out, &ep)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}
	return out, nil
}

func hasFeatures(md *gateway.ModelMetadata, features []string) bool {
	for _, f := range features {
		if !slices.Contains(md.SupportedFeatures, f) {
			return false
		}
	}
	return true
}

// Count returns the number of live registrations. Used by readiness.
func (r *Registry) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("registry: scan: %w", err)
	}
	return n, nil
}

// KeepAlive refreshes ep's lease every LeaseTTL/2 until ctx is cancelled.
// A failed refresh re-initializes the client and retries with exponential
// backoff; the lease is long enough to survive the retry budget, so a
// transient Redis outage does not drop the registration.
func (r *Registry) KeepAlive(ctx context.Context, ep *gateway.ModelEndpoint) error {
	ticker := time.NewTicker(LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := r.refreshWithRetry(ctx, ep); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.LogAttrs(ctx, slog.LevelError, "registry: lease refresh exhausted retries",
				slog.String("model", ep.Metadata.ID), slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) refreshWithRetry(ctx context.Context, ep *gateway.ModelEndpoint) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 4 * time.Second
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 1

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 && r.newRDB != nil {
			// The previous attempt failed on transport; start from a
			// fresh connection.
			r.rdb = r.newRDB()
		}
		attempt++
		return struct{}{}, r.Register(ctx, ep)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	return err
}
