// Package resolver locates the accessibility root element of a top-level
// window. Lookups go through a chain of strategies, cheapest first, and the
// whole chain can be retried.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/rs/zerolog"
)

// ErrElementNotFound is returned when every stage of every attempt failed
var ErrElementNotFound = errors.New("accessibility element not found")

// Element is a node in the accessibility tree
type Element interface {
	// ProcessID returns the id of the process owning the element
	ProcessID() (int, error)
}

// Rect is a window rectangle in root (screen) coordinates
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Center returns the midpoint of the rectangle
func (r Rect) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Automation is the introspection API the resolver drives
type Automation interface {
	// ElementFromHandle maps a raw window handle straight to its element
	ElementFromHandle(handle window.Handle) (Element, error)

	// RootElement returns the desktop root
	RootElement() (Element, error)

	// FindChildByProcessID searches root's immediate children for one
	// owned by pid
	FindChildByProcessID(root Element, pid int) (Element, error)

	// Children lists root's immediate children
	Children(root Element) ([]Element, error)

	// WindowRect returns the on-screen rectangle of the window
	WindowRect(handle window.Handle) (Rect, error)

	// ElementFromPoint returns the top-level element at a screen point
	ElementFromPoint(x, y int) (Element, error)
}

// Options control a Resolve call
type Options struct {
	// MaxAttempts is how many times the full chain runs. Zero means one.
	MaxAttempts int
	// Delay is the wait between attempts
	Delay time.Duration
	// PointFallback enables the window-centre lookup stage
	PointFallback bool
}

// DefaultOptions returns a single attempt with no point fallback
func DefaultOptions() Options {
	return Options{MaxAttempts: 1}
}

// Stage names, in the order they run
const (
	StageHandle   = "handle"
	StageChildren = "children"
	StageWalk     = "walk"
	StagePoint    = "point"
)

// Resolver runs the lookup chain against an Automation
type Resolver struct {
	automation Automation
	log        *zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a resolver for the given automation backend
func New(automation Automation) *Resolver {
	return &Resolver{
		automation: automation,
		log:        logger.WithComponent("resolver"),
		sleep:      sleepContext,
	}
}

type stage struct {
	name string
	run  func(handle window.Handle, pid int) (Element, error)
}

// Resolve returns the accessibility root of the window owned by pid.
// It returns ErrElementNotFound once all attempts are exhausted, or the
// context error if ctx ends while waiting between attempts.
func (r *Resolver) Resolve(ctx context.Context, handle window.Handle, pid int, opts Options) (Element, error) {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	stages := []stage{
		{StageHandle, r.fromHandle},
		{StageChildren, r.fromChildren},
		{StageWalk, r.fromWalk},
	}
	if opts.PointFallback {
		stages = append(stages, stage{StagePoint, r.fromPoint})
	}

	log := r.log.With().
		Int64("hwnd", int64(handle)).
		Int("pid", pid).
		Logger()

	for attempt := 1; attempt <= attempts; attempt++ {
		for _, st := range stages {
			el, err := r.runStage(st, handle, pid)
			if err == nil && !isNil(el) {
				log.Debug().
					Str("stage", st.name).
					Int("attempt", attempt).
					Msg("Element resolved")
				return el, nil
			}
			if err == nil {
				err = fmt.Errorf("stage returned no element")
			}
			log.Debug().
				Err(err).
				Str("stage", st.name).
				Int("attempt", attempt).
				Msg("Resolve stage failed")
		}

		if attempt < attempts && opts.Delay > 0 {
			if err := r.sleep(ctx, opts.Delay); err != nil {
				return nil, err
			}
		}
	}

	log.Debug().Int("attempts", attempts).Msg("Element not found")
	return nil, ErrElementNotFound
}

// runStage isolates one stage so a panic in the backend only fails the stage
func (r *Resolver) runStage(st stage, handle window.Handle, pid int) (el Element, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			el = nil
			err = fmt.Errorf("stage %s panicked: %v\n%s", st.name, rec, debug.Stack())
		}
	}()
	return st.run(handle, pid)
}

func (r *Resolver) fromHandle(handle window.Handle, _ int) (Element, error) {
	return r.automation.ElementFromHandle(handle)
}

func (r *Resolver) fromChildren(_ window.Handle, pid int) (Element, error) {
	root, err := r.automation.RootElement()
	if err != nil {
		return nil, fmt.Errorf("root element: %w", err)
	}
	return r.automation.FindChildByProcessID(root, pid)
}

func (r *Resolver) fromWalk(_ window.Handle, pid int) (Element, error) {
	root, err := r.automation.RootElement()
	if err != nil {
		return nil, fmt.Errorf("root element: %w", err)
	}
	children, err := r.automation.Children(root)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	for _, child := range children {
		if isNil(child) {
			continue
		}
		childPID, err := child.ProcessID()
		if err != nil {
			// unresponsive windows are skipped, not fatal
			continue
		}
		if childPID == pid {
			return child, nil
		}
	}
	return nil, fmt.Errorf("no child owned by pid %d among %d", pid, len(children))
}

func (r *Resolver) fromPoint(handle window.Handle, pid int) (Element, error) {
	rect, err := r.automation.WindowRect(handle)
	if err != nil {
		return nil, fmt.Errorf("window rect: %w", err)
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return nil, fmt.Errorf("window has empty rect %+v", rect)
	}
	x, y := rect.Center()
	el, err := r.automation.ElementFromPoint(x, y)
	if err != nil {
		return nil, fmt.Errorf("element at (%d,%d): %w", x, y, err)
	}
	if isNil(el) {
		return nil, fmt.Errorf("no element at (%d,%d)", x, y)
	}
	elPID, err := el.ProcessID()
	if err != nil {
		return nil, fmt.Errorf("element at (%d,%d) pid: %w", x, y, err)
	}
	if elPID != pid {
		return nil, fmt.Errorf("element at (%d,%d) belongs to pid %d, want %d", x, y, elPID, pid)
	}
	return el, nil
}

// isNil also catches a nil pointer stored in a non-nil interface
func isNil(el Element) bool {
	if el == nil {
		return true
	}
	v := reflect.ValueOf(el)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
