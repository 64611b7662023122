// Package cache is the day-keyed advice cache over the KV store. Entries
// live under advice:<day>; a separate metadata table drives TTL expiry,
// the size cap, and provenance invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/domain"
)

const (
	entryPrefix = "advice:"
	metaKey     = "advice:meta"
)

// Meta describes one cached entry. Kept in a single table so expiry and
// eviction never scan the keyspace.
type Meta struct {
	StoredAt time.Time     `json:"stored_at"`
	Source   domain.Source `json:"source"`
}

// Store is the advice cache. Expiry is lazy: checked on read and swept on
// write, so an idle process holds stale entries only until next touched.
// mu serializes the load-mutate-save cycle on the metadata table against
// concurrent requests and the detached retry goroutine.
type Store struct {
	kv         domain.KVStore
	clock      domain.Clock
	log        *slog.Logger
	ttl        time.Duration
	maxEntries int

	mu sync.Mutex
}

// New constructs a cache Store.
func New(kv domain.KVStore, clock domain.Clock, log *slog.Logger, ttl time.Duration, maxEntries int) *Store {
	return &Store{kv: kv, clock: clock, log: log, ttl: ttl, maxEntries: maxEntries}
}

// Get returns the cached advice for dayKey. An expired entry is deleted
// and reported as absent. Malformed stored JSON is treated as a miss.
func (s *Store) Get(ctx context.Context, dayKey string) (domain.AdviceResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return domain.AdviceResult{}, false, err
	}
	m, ok := meta[dayKey]
	if !ok {
		observability.AdviceCacheHitsTotal.WithLabelValues("miss").Inc()
		return domain.AdviceResult{}, false, nil
	}
	if s.clock.Now().Sub(m.StoredAt) >= s.ttl {
		delete(meta, dayKey)
		if err := s.removeEntries(ctx, meta, dayKey); err != nil {
			return domain.AdviceResult{}, false, err
		}
		observability.AdviceCacheHitsTotal.WithLabelValues("expired").Inc()
		return domain.AdviceResult{}, false, nil
	}
	raw, present, err := s.kv.Get(ctx, entryPrefix+dayKey)
	if err != nil {
		return domain.AdviceResult{}, false, err
	}
	var advice domain.AdviceResult
	if !present || json.Unmarshal([]byte(raw), &advice) != nil {
		// Entry and metadata drifted apart; drop the orphaned record.
		delete(meta, dayKey)
		if err := s.removeEntries(ctx, meta, dayKey); err != nil {
			return domain.AdviceResult{}, false, err
		}
		observability.AdviceCacheHitsTotal.WithLabelValues("miss").Inc()
		return domain.AdviceResult{}, false, nil
	}
	observability.AdviceCacheHitsTotal.WithLabelValues("hit").Inc()
	return advice, true, nil
}

// Put stores advice under dayKey, sweeps expired entries, and evicts the
// oldest entries beyond the size cap.
func (s *Store) Put(ctx context.Context, dayKey string, advice domain.AdviceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	var drop []string
	for day, m := range meta {
		if now.Sub(m.StoredAt) >= s.ttl {
			drop = append(drop, day)
		}
	}

	meta[dayKey] = Meta{StoredAt: now, Source: advice.Source}
	for _, day := range drop {
		delete(meta, day)
	}

	if len(meta) > s.maxEntries {
		// Oldest first, with the just-written key exempt from eviction.
		days := make([]string, 0, len(meta))
		for day := range meta {
			if day != dayKey {
				days = append(days, day)
			}
		}
		sort.Slice(days, func(i, j int) bool {
			return meta[days[i]].StoredAt.Before(meta[days[j]].StoredAt)
		})
		over := len(meta) - s.maxEntries
		if over > len(days) {
			over = len(days)
		}
		for _, day := range days[:over] {
			drop = append(drop, day)
			delete(meta, day)
		}
	}

	raw, err := json.Marshal(advice)
	if err != nil {
		return fmt.Errorf("op=cache.Put key=%s: %w", dayKey, err)
	}
	if err := s.kv.Set(ctx, entryPrefix+dayKey, string(raw)); err != nil {
		return err
	}
	if err := s.removeEntries(ctx, meta, drop...); err != nil {
		return err
	}
	if len(drop) > 0 {
		s.log.Debug("cache swept", slog.Int("dropped", len(drop)), slog.Int("size", len(meta)))
	}
	return nil
}

// InvalidateOffline removes entries whose advice came from the offline
// pool. Called when connectivity returns so the next request regenerates
// live advice instead of replaying a canned fallback.
func (s *Store) InvalidateOffline(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return 0, err
	}
	var drop []string
	for day, m := range meta {
		if m.Source == domain.SourceOffline {
			drop = append(drop, day)
			delete(meta, day)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	if err := s.removeEntries(ctx, meta, drop...); err != nil {
		return 0, err
	}
	for range drop {
		observability.AdviceCacheHitsTotal.WithLabelValues("invalidated").Inc()
	}
	s.log.Info("offline cache entries invalidated", slog.Int("count", len(drop)))
	return len(drop), nil
}

func (s *Store) loadMeta(ctx context.Context) (map[string]Meta, error) {
	raw, ok, err := s.kv.Get(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	meta := map[string]Meta{}
	if ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			// A corrupt table means the cache restarts empty.
			s.log.Warn("cache metadata unreadable, resetting", slog.Any("error", err))
			return map[string]Meta{}, nil
		}
	}
	return meta, nil
}

// removeEntries persists the updated metadata table and deletes the
// dropped day entries in one pass.
func (s *Store) removeEntries(ctx context.Context, meta map[string]Meta, dropped ...string) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("op=cache.removeEntries: %w", err)
	}
	if err := s.kv.Set(ctx, metaKey, string(raw)); err != nil {
		return err
	}
	if len(dropped) == 0 {
		return nil
	}
	keys := make([]string, len(dropped))
	for i, day := range dropped {
		keys[i] = entryPrefix + day
	}
	return s.kv.Delete(ctx, keys...)
}
