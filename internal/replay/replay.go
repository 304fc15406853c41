// Package replay rebuilds the history of a job for a resuming client and
// filters the live stream against it.
package replay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/apiteam/test-manager/internal/envelope"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

// HistoryStore reads the durable per-job history hash.
type HistoryStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// LoadHistory returns every decodable envelope stored for jobID in ascending
// time order. Undecodable entries are logged and skipped.
func LoadHistory(ctx context.Context, store HistoryStore, jobID string) ([]envelope.Envelope, error) {
	fields, err := store.HGetAll(ctx, redisbus.UpdatesKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("load history for job %s: %w", jobID, err)
	}

	past := make([]envelope.Envelope, 0, len(fields))
	for field, raw := range fields {
		env, err := envelope.DecodeString(raw)
		if err != nil {
			log.Printf("replay: job=%s dropping history field=%s: %v", jobID, field, err)
			continue
		}
		past = append(past, env)
	}

	envelope.SortByTime(past)
	return past, nil
}

// Filter admits live envelopes that were not part of the replayed history.
type Filter struct {
	latest time.Time
	seen   map[string]struct{}
}

// NewFilter builds a filter over the replayed past set.
func NewFilter(past []envelope.Envelope) *Filter {
	f := &Filter{seen: make(map[string]struct{}, len(past))}
	for _, env := range past {
		f.seen[env.Key()] = struct{}{}
		if env.Time.After(f.latest) {
			f.latest = env.Time
		}
	}
	return f
}

// Latest returns the greatest time in the past set, the zero time if empty.
func (f *Filter) Latest() time.Time {
	return f.latest
}

// Admit reports whether env should be forwarded. Anything newer than the
// past set is admitted; older or equal envelopes are admitted only when no
// replayed envelope has the same time and message.
func (f *Filter) Admit(env envelope.Envelope) bool {
	if env.Time.After(f.latest) {
		return true
	}
	_, dup := f.seen[env.Key()]
	return !dup
}
