package window

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/rs/zerolog"
)

// Context is what a provider receives at initialization
type Context struct {
	Logger   *zerolog.Logger
	Settings settings.Store
}

// Provider is a source of switchable items (windows, documents, tabs)
type Provider interface {
	// Name is the stable identity used as the LKG namespace and on the wire
	Name() string

	// Init prepares the provider; it is called once before any scan
	Init(ctx context.Context, pctx Context) error

	// ReloadSettings re-reads provider settings from the store given to Init
	ReloadSettings() error

	// SetExclusions replaces the set of process names the provider must skip
	SetExclusions(processNames []string)

	// Scan enumerates the provider's current items
	Scan(ctx context.Context) ([]Item, error)

	// Activate brings the given item to the foreground
	Activate(ctx context.Context, item Item) error

	// RequiresIsolation reports whether scans must run in the worker process
	RequiresIsolation() bool

	// IsAlive reports whether the window behind key still exists
	IsAlive(key Key) bool

	// Close releases resources held by the provider
	Close() error
}

// InitError records a provider that failed to initialize
type InitError struct {
	Provider string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %s: init failed: %v", e.Provider, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// PanicError is returned when provider code panics
type PanicError struct {
	Provider string
	Value    interface{}
	Stack    []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("provider %s panicked: %v", e.Provider, e.Value)
}

// SafeScan runs p.Scan, converting a panic into a *PanicError
func SafeScan(ctx context.Context, p Provider) (items []Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &PanicError{Provider: p.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Scan(ctx)
}

// SafeInit runs p.Init, wrapping any failure (or panic) in an *InitError
func SafeInit(ctx context.Context, p Provider, pctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InitError{
				Provider: p.Name(),
				Err:      &PanicError{Provider: p.Name(), Value: r, Stack: debug.Stack()},
			}
		}
	}()
	if err := p.Init(ctx, pctx); err != nil {
		return &InitError{Provider: p.Name(), Err: err}
	}
	return nil
}

// SafeIsAlive runs the liveness check; a panicking check counts as not alive
func SafeIsAlive(p Provider, key Key) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			alive = false
		}
	}()
	return p.IsAlive(key)
}

// Stamp sets Source on every item that lacks one
func Stamp(items []Item, source string) []Item {
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = source
		}
	}
	return items
}
