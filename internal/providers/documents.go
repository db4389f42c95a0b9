package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/switchr/internal/a11y"
	"github.com/bryanchriswhite/switchr/internal/resolver"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/bryanchriswhite/switchr/internal/x11"
)

// DocumentsName is the name of the tab/document provider
const DocumentsName = "documents"

// defaultDocumentProcesses are the applications whose tabs are listed
var defaultDocumentProcesses = []string{
	"firefox",
	"firefox-esr",
	"chromium",
	"chrome",
	"brave",
	"soffice.bin",
	"evince",
	"okular",
}

// Documents lists the tabs and documents inside top-level windows by
// walking the accessibility tree. Walks can hang on unresponsive
// applications, so it only ever scans in the worker process.
//
// Settings (under providers.documents.):
//
//	processes  comma separated process names to inspect
//	max_depth  accessibility tree depth limit (default 12)
//
// A window whose tree cannot be read yields one fallback item.
type Documents struct {
	base
	resolverOpts resolver.Options
	openA11y     func(ctx context.Context) (Accessibility, error)

	settingsMu sync.RWMutex
	processes  window.ExclusionSet
	limits     a11y.WalkLimits

	accMu sync.Mutex
	acc   Accessibility
}

var _ window.Provider = (*Documents)(nil)

// NewDocuments creates an uninitialized documents provider
func NewDocuments(opts resolver.Options) *Documents {
	return &Documents{
		base:         newBase(DocumentsName),
		resolverOpts: opts,
		openA11y: func(ctx context.Context) (Accessibility, error) {
			return a11y.Connect(ctx)
		},
		processes: window.NewExclusionSet(defaultDocumentProcesses),
		limits:    a11y.DefaultWalkLimits(),
	}
}

// Init opens the display only. The accessibility bus is connected on the
// first scan, so a host that never scans this provider never touches it.
func (d *Documents) Init(ctx context.Context, pctx window.Context) error {
	if err := d.init(pctx); err != nil {
		return err
	}
	return d.ReloadSettings()
}

func (d *Documents) ReloadSettings() error {
	limits := a11y.DefaultWalkLimits()
	if raw, ok := d.store.Get("max_depth"); ok {
		depth, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || depth <= 0 {
			d.log.Warn().Str("value", raw).Msg("Ignoring invalid max_depth")
		} else {
			limits.MaxDepth = depth
		}
	}

	d.settingsMu.Lock()
	d.processes = window.NewExclusionSet(d.listSetting("processes", defaultDocumentProcesses))
	d.limits = limits
	d.settingsMu.Unlock()
	return nil
}

func (d *Documents) RequiresIsolation() bool {
	return true
}

func (d *Documents) inspects(processName string) bool {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.processes.Contains(processName)
}

func (d *Documents) walkLimits() a11y.WalkLimits {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.limits
}

func (d *Documents) accessibility(ctx context.Context) (Accessibility, error) {
	d.accMu.Lock()
	defer d.accMu.Unlock()
	if d.acc != nil {
		return d.acc, nil
	}
	acc, err := d.openA11y(ctx)
	if err != nil {
		return nil, err
	}
	d.acc = acc
	return acc, nil
}

func (d *Documents) Scan(ctx context.Context) ([]window.Item, error) {
	display, err := d.getDisplay()
	if err != nil {
		return nil, err
	}

	infos, err := display.ClientWindows()
	if err != nil {
		return nil, fmt.Errorf("failed to list client windows: %w", err)
	}

	acc, accErr := d.accessibility(ctx)
	if accErr != nil {
		d.log.Warn().Err(accErr).Msg("Accessibility bus unavailable, listing windows as fallback items")
	}
	var finder *resolver.Resolver
	if accErr == nil {
		finder = resolver.New(a11y.NewAutomation(ctx, acc, display.Locator()))
	}

	var items []window.Item
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		whole := d.item(info)
		if !d.inspects(whole.ProcessName) || d.excluded(whole.ProcessName) {
			continue
		}
		if accErr != nil {
			items = append(items, fallback(whole))
			continue
		}

		docs, err := d.documents(ctx, acc, finder, info)
		if err != nil || len(docs) == 0 {
			d.log.Debug().
				Err(err).
				Str("key", whole.Key().String()).
				Msg("No documents read, using fallback item")
			items = append(items, fallback(whole))
			continue
		}
		for _, doc := range docs {
			item := whole
			if doc.Name != "" {
				item.Title = doc.Name
			}
			items = append(items, item)
		}
	}

	d.log.Debug().Int("items", len(items)).Msg("Scan complete")
	return items, nil
}

// documents resolves the window's accessible application and collects
// the documents in its frame
func (d *Documents) documents(ctx context.Context, acc Accessibility, finder *resolver.Resolver, info *x11.WindowInfo) ([]a11y.Document, error) {
	el, err := finder.Resolve(ctx, info.Handle(), info.PID, d.resolverOpts)
	if err != nil {
		return nil, err
	}
	app, ok := el.(*a11y.Element)
	if !ok {
		return nil, fmt.Errorf("unexpected element type %T", el)
	}
	frame := a11y.FrameFor(ctx, acc, app.Ref(), info.Title)
	return a11y.FindDocuments(ctx, acc, frame, d.walkLimits())
}

func (d *Documents) Close() error {
	d.accMu.Lock()
	acc := d.acc
	d.acc = nil
	d.accMu.Unlock()

	var accErr error
	if acc != nil {
		accErr = acc.Close()
	}
	if err := d.base.Close(); err != nil {
		return err
	}
	return accErr
}

func fallback(item window.Item) window.Item {
	item.Fallback = true
	return item
}
