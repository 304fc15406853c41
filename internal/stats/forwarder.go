// Package stats forwards execution fleet statistics into the core cache.
//
// The fleet publishes its orchestrators, workers and load zones as sets in
// the orchestrator store, each member with an info hash. On every scheduled
// cycle the forwarder mirrors those sets and hashes into the core cache so
// the rest of the platform can read fleet state without access to the
// orchestrator store. Members that left a set are removed from the cached
// set along with their cached info hash.
//
// A cycle is best effort: a failed read or write is logged and the cycle
// moves on to the next key. The next cycle repairs whatever was missed.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/apiteam/test-manager/internal/cron"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

// Source is the orchestrator store the statistics are read from.
type Source interface {
	SMembers(ctx context.Context, key string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Cache is the core cache the statistics are written to.
type Cache interface {
	SMembers(ctx context.Context, key string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, keys ...string) error
}

// MetricsSink records forwarder metrics. Methods must not block.
type MetricsSink interface {
	StatsCycleCompleted(duration time.Duration, keysCopied int, err error)
}

type group struct {
	setKey  string
	infoKey func(member string) string
}

var groups = []group{
	{redisbus.OrchestratorsKey, redisbus.OrchestratorInfoKey},
	{redisbus.WorkersKey, redisbus.WorkerInfoKey},
	{redisbus.LoadZonesKey, redisbus.LoadZoneInfoKey},
}

// Forwarder copies fleet statistics on a schedule.
type Forwarder struct {
	src      Source
	dst      Cache
	schedule cron.Schedule
	clock    func() time.Time
	metrics  MetricsSink // optional, nil = disabled
}

func New(src Source, dst Cache, schedule cron.Schedule) *Forwarder {
	return &Forwarder{
		src:      src,
		dst:      dst,
		schedule: schedule,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the forwarder.
func (f *Forwarder) WithMetrics(sink MetricsSink) *Forwarder {
	f.metrics = sink
	return f
}

// WithClock overrides the clock used to compute the next cycle.
func (f *Forwarder) WithClock(clock func() time.Time) *Forwarder {
	f.clock = clock
	return f
}

// Run forwards statistics on every scheduled tick. It blocks until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	log.Println("stats: forwarder started")

	for {
		now := f.clock()
		wait := f.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("stats: forwarder stopped")
			return
		case <-timer.C:
		}

		f.RunCycle(ctx)
	}
}

// RunCycle performs one forward cycle and returns the number of info hashes
// copied.
func (f *Forwarder) RunCycle(ctx context.Context) (int, error) {
	start := f.clock()
	copied := 0
	var errs []error

	for _, g := range groups {
		n, err := f.forwardGroup(ctx, g)
		copied += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if ok, err := f.copyHash(ctx, redisbus.MasterInfoKey); err != nil {
		errs = append(errs, err)
	} else if ok {
		copied++
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Printf("stats: cycle finished with errors, copied=%d: %v", copied, err)
	}
	if f.metrics != nil {
		f.metrics.StatsCycleCompleted(f.clock().Sub(start), copied, err)
	}
	return copied, err
}

func (f *Forwarder) forwardGroup(ctx context.Context, g group) (int, error) {
	members, err := f.src.SMembers(ctx, g.setKey)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", g.setKey, err)
	}

	var errs []error
	if err := f.pruneStale(ctx, g, members); err != nil {
		errs = append(errs, err)
	}
	if err := f.dst.SAdd(ctx, g.setKey, members...); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", g.setKey, err))
	}

	copied := 0
	for _, m := range members {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := f.copyHash(ctx, g.infoKey(m))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			copied++
		}
	}
	return copied, errors.Join(errs...)
}

// pruneStale removes cached members no longer present in the fleet set.
func (f *Forwarder) pruneStale(ctx context.Context, g group, current []string) error {
	cached, err := f.dst.SMembers(ctx, g.setKey)
	if err != nil {
		return fmt.Errorf("read cached %s: %w", g.setKey, err)
	}

	live := make(map[string]struct{}, len(current))
	for _, m := range current {
		live[m] = struct{}{}
	}
	var stale, staleKeys []string
	for _, m := range cached {
		if _, ok := live[m]; !ok {
			stale = append(stale, m)
			staleKeys = append(staleKeys, g.infoKey(m))
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if err := f.dst.SRem(ctx, g.setKey, stale...); err != nil {
		return fmt.Errorf("prune %s: %w", g.setKey, err)
	}
	if err := f.dst.Del(ctx, staleKeys...); err != nil {
		return fmt.Errorf("prune %s info: %w", g.setKey, err)
	}
	log.Printf("stats: removed %d stale members from %s", len(stale), g.setKey)
	return nil
}

// copyHash mirrors one hash. It reports false when the source hash is empty.
func (f *Forwarder) copyHash(ctx context.Context, key string) (bool, error) {
	fields, err := f.src.HGetAll(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	if err := f.dst.HSet(ctx, key, fields); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	return true, nil
}
