package providers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bryanchriswhite/switchr/internal/window"
)

// WindowsName is the name of the top-level window provider
const WindowsName = "windows"

// Windows lists top-level client windows straight from the window manager.
// It is cheap and runs in the host process.
//
// Settings (under providers.windows.):
//
//	skip_untitled  drop windows with an empty title (default true)
type Windows struct {
	base
	skipUntitled atomic.Bool
}

var _ window.Provider = (*Windows)(nil)

// NewWindows creates an uninitialized windows provider
func NewWindows() *Windows {
	w := &Windows{base: newBase(WindowsName)}
	w.skipUntitled.Store(true)
	return w
}

func (w *Windows) Init(ctx context.Context, pctx window.Context) error {
	if err := w.init(pctx); err != nil {
		return err
	}
	return w.ReloadSettings()
}

func (w *Windows) ReloadSettings() error {
	w.skipUntitled.Store(w.boolSetting("skip_untitled", true))
	return nil
}

func (w *Windows) RequiresIsolation() bool {
	return false
}

func (w *Windows) Scan(ctx context.Context) ([]window.Item, error) {
	display, err := w.getDisplay()
	if err != nil {
		return nil, err
	}

	infos, err := display.ClientWindows()
	if err != nil {
		return nil, fmt.Errorf("failed to list client windows: %w", err)
	}

	skipUntitled := w.skipUntitled.Load()
	items := make([]window.Item, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipUntitled && info.Title == "" {
			continue
		}
		item := w.item(info)
		if w.excluded(item.ProcessName) {
			continue
		}
		items = append(items, item)
	}

	w.log.Debug().Int("windows", len(items)).Msg("Scan complete")
	return items, nil
}
