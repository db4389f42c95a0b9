package a11y

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/switchr/internal/resolver"
	"github.com/bryanchriswhite/switchr/internal/window"
)

// Windows maps window-system handles to their owning process and screen
// position
type Windows interface {
	PID(handle window.Handle) (int, error)
	Rect(handle window.Handle) (resolver.Rect, error)
	At(x, y int) (window.Handle, error)
}

// Element is an accessible object handed to the resolver
type Element struct {
	auto *Automation
	ref  Ref

	mu    sync.Mutex
	pid   int
	known bool
}

var _ resolver.Element = (*Element)(nil)

// Ref returns the accessible object reference
func (e *Element) Ref() Ref {
	return e.ref
}

// ProcessID returns the pid owning the element's bus connection
func (e *Element) ProcessID() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.known {
		return e.pid, nil
	}
	pid, err := e.auto.registry.ProcessID(e.auto.ctx, e.ref)
	if err != nil {
		return 0, err
	}
	e.pid, e.known = pid, true
	return pid, nil
}

// Automation drives the resolver over the AT-SPI registry. Application
// lookups by pid go through an index built from the registry root's
// children; the index is rebuilt whenever a lookup misses.
//
// The resolver's primitives take no context, so every bus call made here
// uses the context given to NewAutomation.
type Automation struct {
	ctx      context.Context
	registry Registry
	windows  Windows

	mu    sync.Mutex
	index map[int]Ref
}

var _ resolver.Automation = (*Automation)(nil)

// NewAutomation creates an adapter for one scan
func NewAutomation(ctx context.Context, registry Registry, windows Windows) *Automation {
	return &Automation{ctx: ctx, registry: registry, windows: windows}
}

func (a *Automation) element(ref Ref) *Element {
	return &Element{auto: a, ref: ref}
}

func (a *Automation) elementWithPID(ref Ref, pid int) *Element {
	return &Element{auto: a, ref: ref, pid: pid, known: true}
}

// applications lists the registry's applications keyed by pid. Children
// whose pid cannot be read are left out.
func (a *Automation) applications(parent Ref) (map[int]Ref, error) {
	refs, err := a.registry.Children(a.ctx, parent)
	if err != nil {
		return nil, err
	}
	apps := make(map[int]Ref, len(refs))
	for _, ref := range refs {
		pid, err := a.registry.ProcessID(a.ctx, ref)
		if err != nil {
			continue
		}
		if _, dup := apps[pid]; !dup {
			apps[pid] = ref
		}
	}
	return apps, nil
}

// lookup returns the application for pid, listing the registry again when
// the index is empty or stale
func (a *Automation) lookup(pid int) (Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref, ok := a.index[pid]; ok {
		return ref, nil
	}
	apps, err := a.applications(a.registry.Root())
	if err != nil {
		return Ref{}, fmt.Errorf("list applications: %w", err)
	}
	a.index = apps
	if ref, ok := apps[pid]; ok {
		return ref, nil
	}
	return Ref{}, fmt.Errorf("no accessible application for pid %d", pid)
}

// ElementFromHandle maps the window's pid straight to its application
func (a *Automation) ElementFromHandle(handle window.Handle) (resolver.Element, error) {
	pid, err := a.windows.PID(handle)
	if err != nil {
		return nil, fmt.Errorf("pid of window 0x%x: %w", uint64(handle), err)
	}
	ref, err := a.lookup(pid)
	if err != nil {
		return nil, err
	}
	return a.elementWithPID(ref, pid), nil
}

// RootElement returns the registry root
func (a *Automation) RootElement() (resolver.Element, error) {
	return a.element(a.registry.Root()), nil
}

// FindChildByProcessID lists root's children and matches them by pid
func (a *Automation) FindChildByProcessID(root resolver.Element, pid int) (resolver.Element, error) {
	el, ok := root.(*Element)
	if !ok {
		return nil, fmt.Errorf("unexpected element type %T", root)
	}
	apps, err := a.applications(el.ref)
	if err != nil {
		return nil, err
	}
	if el.ref == a.registry.Root() {
		a.mu.Lock()
		a.index = apps
		a.mu.Unlock()
	}
	ref, ok := apps[pid]
	if !ok {
		return nil, fmt.Errorf("no child of %s owned by pid %d", el.ref, pid)
	}
	return a.elementWithPID(ref, pid), nil
}

// Children lists root's children. Their pids are read on demand.
func (a *Automation) Children(root resolver.Element) ([]resolver.Element, error) {
	el, ok := root.(*Element)
	if !ok {
		return nil, fmt.Errorf("unexpected element type %T", root)
	}
	refs, err := a.registry.Children(a.ctx, el.ref)
	if err != nil {
		return nil, err
	}
	out := make([]resolver.Element, 0, len(refs))
	for _, ref := range refs {
		out = append(out, a.element(ref))
	}
	return out, nil
}

func (a *Automation) WindowRect(handle window.Handle) (resolver.Rect, error) {
	return a.windows.Rect(handle)
}

// ElementFromPoint finds the window under the point and returns the
// application owning it
func (a *Automation) ElementFromPoint(x, y int) (resolver.Element, error) {
	handle, err := a.windows.At(x, y)
	if err != nil {
		return nil, err
	}
	pid, err := a.windows.PID(handle)
	if err != nil {
		return nil, fmt.Errorf("pid of window 0x%x: %w", uint64(handle), err)
	}
	ref, err := a.lookup(pid)
	if err != nil {
		return nil, err
	}
	return a.elementWithPID(ref, pid), nil
}
