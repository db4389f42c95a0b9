// Package host assembles the switcher list: one scan cache per provider,
// in-process providers scanned directly and isolated ones fed by worker
// cycles.
package host

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/bryanchriswhite/switchr/internal/cache"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/orchestrator"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/bryanchriswhite/switchr/internal/worker"
	"github.com/rs/zerolog"
)

// DefaultInterval is the refresh period of Run
const DefaultInterval = 2 * time.Second

// maxShortcuts is how many leading items get a numeric shortcut
const maxShortcuts = 9

var (
	// ErrUnknownProvider is returned for an item whose source is not registered
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrItemNotFound is returned when no listed item matches a key
	ErrItemNotFound = errors.New("item not found")
)

// Refresher runs worker cycles
type Refresher interface {
	Refresh(ctx context.Context, req worker.Request) (*orchestrator.Result, error)
}

// Options configure a View
type Options struct {
	Providers []window.Provider
	Store     settings.Store
	// Worker is nil when isolated providers should not be scanned
	Worker   Refresher
	Disabled []string
	Excluded []string
	Interval time.Duration
}

// ProviderStatus is the health of one provider
type ProviderStatus struct {
	Name              string      `json:"name"`
	RequiresIsolation bool        `json:"requires_isolation"`
	Enabled           bool        `json:"enabled"`
	InitError         string      `json:"init_error,omitempty"`
	Cache             cache.Stats `json:"cache"`
}

// View is the aggregate window list
type View struct {
	providers []window.Provider
	caches    map[string]*cache.Cache
	store     settings.Store
	worker    Refresher
	interval  time.Duration
	log       *zerolog.Logger

	mu         sync.RWMutex
	disabled   map[string]bool
	excluded   []string
	initErrs   map[string]error
	last       []window.Item
	subs       map[int]chan []window.Item
	nextSub    int
	workerErrs int
}

// New creates a view over providers. Call Init before use.
func New(opts Options) *View {
	store := opts.Store
	if store == nil {
		store = settings.NewMemoryStore()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	v := &View{
		providers: opts.Providers,
		caches:    make(map[string]*cache.Cache, len(opts.Providers)),
		store:     store,
		worker:    opts.Worker,
		interval:  interval,
		log:       logger.WithComponent("host"),
		initErrs:  make(map[string]error),
		subs:      make(map[int]chan []window.Item),
	}
	for _, p := range opts.Providers {
		v.caches[p.Name()] = cache.New(p)
	}
	v.SetDisabled(opts.Disabled)
	v.SetExclusions(opts.Excluded)
	return v
}

// Init initializes every provider. Isolated providers are initialized too,
// so liveness and activation work for items the worker reported. A failed
// provider stays registered and lists nothing.
func (v *View) Init(ctx context.Context) {
	for _, p := range v.providers {
		pctx := window.Context{
			Logger:   logger.WithComponent("provider-" + p.Name()),
			Settings: settings.ProviderNamespace(v.store, p.Name()),
		}
		err := window.SafeInit(ctx, p, pctx)

		v.mu.Lock()
		if err != nil {
			v.initErrs[p.Name()] = err
		} else {
			delete(v.initErrs, p.Name())
		}
		excluded := v.excluded
		v.mu.Unlock()

		if err != nil {
			v.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider unavailable")
			continue
		}
		p.SetExclusions(excluded)
		v.log.Info().
			Str("provider", p.Name()).
			Bool("isolated", p.RequiresIsolation()).
			Msg("Provider initialized")
	}
}

// Close releases every provider
func (v *View) Close() error {
	var errs []error
	for _, p := range v.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SetDisabled replaces the set of disabled providers
func (v *View) SetDisabled(names []string) {
	disabled := make(map[string]bool, len(names))
	for _, name := range names {
		disabled[name] = true
	}
	v.mu.Lock()
	v.disabled = disabled
	v.mu.Unlock()
}

// SetExclusions replaces the excluded process names on every provider
func (v *View) SetExclusions(names []string) {
	v.mu.Lock()
	v.excluded = append([]string(nil), names...)
	v.mu.Unlock()
	for _, p := range v.providers {
		p.SetExclusions(names)
	}
}

// ReloadSettings asks every provider to re-read its settings
func (v *View) ReloadSettings() {
	for _, p := range v.providers {
		if err := p.ReloadSettings(); err != nil {
			v.log.Warn().Err(err).Str("provider", p.Name()).Msg("Settings reload failed")
		}
	}
}

func (v *View) enabled(p window.Provider) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disabled[p.Name()] {
		return false
	}
	_, failed := v.initErrs[p.Name()]
	return !failed
}

// Windows returns the aggregate list in provider registration order.
// In-process providers are scanned (or their cycle joined); isolated
// providers contribute their last applied snapshot.
func (v *View) Windows(ctx context.Context) []window.Item {
	var items []window.Item
	for _, p := range v.providers {
		if !v.enabled(p) {
			continue
		}
		c := v.caches[p.Name()]
		if p.RequiresIsolation() {
			items = append(items, c.Snapshot()...)
		} else {
			items = append(items, c.GetWindows(ctx)...)
		}
	}
	return assignShortcuts(items)
}

// Snapshot returns the last aggregate computed by Refresh
func (v *View) Snapshot() []window.Item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]window.Item(nil), v.last...)
}

// Refresh runs one full cycle: a worker cycle for the isolated providers,
// then the aggregate. A failed worker cycle keeps the previous isolated
// data. Subscribers are notified when the aggregate changed.
func (v *View) Refresh(ctx context.Context) ([]window.Item, error) {
	workerErr := v.refreshIsolated(ctx)

	items := v.Windows(ctx)

	v.mu.Lock()
	changed := !reflect.DeepEqual(items, v.last)
	if changed {
		v.last = items
	}
	var subs []chan []window.Item
	if changed {
		for _, ch := range v.subs {
			subs = append(subs, ch)
		}
	}
	v.mu.Unlock()

	for _, ch := range subs {
		publish(ch, items)
	}
	return items, workerErr
}

func (v *View) refreshIsolated(ctx context.Context) error {
	if v.worker == nil {
		return nil
	}

	var isolated int
	for _, p := range v.providers {
		if p.RequiresIsolation() && v.enabled(p) {
			isolated++
		}
	}
	if isolated == 0 {
		return nil
	}

	v.mu.RLock()
	req := worker.Request{
		Command:           worker.CommandScan,
		DisabledPlugins:   v.disabledNames(),
		ExcludedProcesses: append([]string(nil), v.excluded...),
	}
	v.mu.RUnlock()

	res, err := v.worker.Refresh(ctx, req)
	if err != nil {
		v.mu.Lock()
		v.workerErrs++
		v.mu.Unlock()
		return err
	}

	applied := res.ApplyTo(func(name string) *cache.Cache {
		c, ok := v.caches[name]
		if !ok {
			v.log.Debug().Str("provider", name).Msg("Worker reported unknown provider")
			return nil
		}
		if !c.Provider().RequiresIsolation() {
			return nil
		}
		return c
	})
	v.log.Debug().Str("cycle", res.CycleID).Int("applied", applied).Msg("Applied worker cycle")
	return nil
}

// disabledNames must be called with mu held
func (v *View) disabledNames() []string {
	names := make([]string, 0, len(v.disabled))
	for _, p := range v.providers {
		if v.disabled[p.Name()] {
			names = append(names, p.Name())
		}
	}
	return names
}

// Run refreshes every interval until ctx ends
func (v *View) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		if _, err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
			v.log.Warn().Err(err).Msg("Refresh failed, keeping previous results")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Subscribe returns a channel receiving the aggregate after every change.
// Slow subscribers only ever see the latest list.
func (v *View) Subscribe() (<-chan []window.Item, func()) {
	ch := make(chan []window.Item, 1)

	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
	return ch, cancel
}

// publish replaces whatever the subscriber has not read yet
func publish(ch chan []window.Item, items []window.Item) {
	for {
		select {
		case ch <- items:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Find returns the listed item with the given key
func (v *View) Find(key window.Key) (window.Item, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, item := range v.last {
		if item.Key() == key {
			return item, nil
		}
	}
	return window.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, key)
}

// Activate dispatches to the provider that listed item
func (v *View) Activate(ctx context.Context, item window.Item) error {
	c, ok := v.caches[item.Source]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, item.Source)
	}
	if err := c.Provider().Activate(ctx, item); err != nil {
		return fmt.Errorf("activate %s: %w", item.Key(), err)
	}
	return nil
}

// Providers reports every provider's state
func (v *View) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(v.providers))
	for _, p := range v.providers {
		v.mu.RLock()
		initErr := v.initErrs[p.Name()]
		disabled := v.disabled[p.Name()]
		v.mu.RUnlock()

		status := ProviderStatus{
			Name:              p.Name(),
			RequiresIsolation: p.RequiresIsolation(),
			Enabled:           !disabled,
			Cache:             v.caches[p.Name()].Stats(),
		}
		if initErr != nil {
			status.InitError = initErr.Error()
		}
		out = append(out, status)
	}
	return out
}

// WorkerFailures counts discarded worker cycles
func (v *View) WorkerFailures() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.workerErrs
}

// assignShortcuts numbers the first items 1..9
func assignShortcuts(items []window.Item) []window.Item {
	for i := range items {
		if i < maxShortcuts {
			items[i].ShortcutIndex = i + 1
		} else {
			items[i].ShortcutIndex = 0
		}
	}
	return items
}
