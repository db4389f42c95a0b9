package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/rs/zerolog"
)

// State is the scan state of a Cache
type State int32

const (
	// StateIdle means no scan is running
	StateIdle State = iota
	// StateScanning means a scan is in flight; reads return the published snapshot
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	default:
		return "idle"
	}
}

// Stats describes the most recent scan cycles of a Cache
type Stats struct {
	Provider     string        `json:"provider"`
	State        string        `json:"state"`
	Scans        int           `json:"scans"`
	Failures     int           `json:"failures"`
	Slots        int           `json:"slots"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastScanAt   time.Time     `json:"last_scan_at"`
	LastMerge    MergeStats    `json:"last_merge"`
}

// Cache wraps one provider and serves its merged LKG set
type Cache struct {
	provider window.Provider
	log      *zerolog.Logger

	scanning atomic.Bool

	// mergeMu serializes merge+publish between GetWindows and Apply. Readers
	// never take it.
	mergeMu sync.Mutex

	mu       sync.RWMutex
	snapshot *Snapshot
	stats    Stats
}

// New creates a cache with an empty LKG set for the provider
func New(provider window.Provider) *Cache {
	return &Cache{
		provider: provider,
		log:      logger.WithComponent("cache"),
		snapshot: EmptySnapshot(),
		stats:    Stats{Provider: provider.Name()},
	}
}

// Provider returns the wrapped provider
func (c *Cache) Provider() window.Provider {
	return c.provider
}

// State returns the current scan state
func (c *Cache) State() State {
	if c.scanning.Load() {
		return StateScanning
	}
	return StateIdle
}

// GetWindows scans the provider and returns the merged set. If a scan is
// already running it returns the current snapshot without waiting.
func (c *Cache) GetWindows(ctx context.Context) []window.Item {
	if !c.scanning.CompareAndSwap(false, true) {
		return c.Snapshot()
	}
	defer c.scanning.Store(false)

	start := time.Now()
	fresh, err := window.SafeScan(ctx, c.provider)
	return c.publish(fresh, err, time.Since(start))
}

// Apply merges a scan result produced elsewhere (the worker process) into
// the LKG set and returns the merged items.
func (c *Cache) Apply(fresh []window.Item, scanErr error) []window.Item {
	return c.publish(fresh, scanErr, 0)
}

// Snapshot returns the currently published items without scanning
func (c *Cache) Snapshot() []window.Item {
	c.mu.RLock()
	s := c.snapshot
	c.mu.RUnlock()
	return s.Items()
}

// Stats returns a copy of the cache statistics
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	st := c.stats
	c.mu.RUnlock()
	st.State = c.State().String()
	return st
}

func (c *Cache) publish(fresh []window.Item, scanErr error, took time.Duration) []window.Item {
	name := c.provider.Name()
	log := c.log.With().Str("provider", name).Logger()

	if scanErr != nil {
		log.Warn().Err(scanErr).Msg("Scan failed, treating as empty")
		fresh = nil
	}
	fresh = window.Stamp(fresh, name)

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	c.mu.RLock()
	prev := c.snapshot
	c.mu.RUnlock()

	// Liveness checks may be slow; they run before the write lock is taken.
	next, mstats := Merge(prev, fresh, func(k window.Key) bool {
		return window.SafeIsAlive(c.provider, k)
	})

	c.mu.Lock()
	c.snapshot = next
	c.stats.Scans++
	c.stats.Slots = next.Len()
	c.stats.LastDuration = took
	c.stats.LastScanAt = time.Now()
	c.stats.LastMerge = mstats
	if scanErr != nil {
		c.stats.Failures++
		c.stats.LastError = scanErr.Error()
	} else {
		c.stats.LastError = ""
	}
	c.mu.Unlock()

	log.Debug().
		Int("fresh", len(fresh)).
		Int("slots", next.Len()).
		Int("added", mstats.Added).
		Int("retained", mstats.Retained).
		Int("dropped", mstats.Dropped).
		Int("kept_detail", mstats.KeptDetail).
		Dur("took", took).
		Msg("Scan merged")

	return next.Items()
}
