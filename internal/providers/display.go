package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/switchr/internal/a11y"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/bryanchriswhite/switchr/internal/x11"
	"github.com/rs/zerolog"
)

// Display is the window-system access the providers need
type Display interface {
	ClientWindows() ([]*x11.WindowInfo, error)
	IsAlive(handle window.Handle) bool
	Activate(handle window.Handle) error
	Locator() a11y.Windows
	Close() error
}

// Accessibility is the AT-SPI access the documents provider needs
type Accessibility interface {
	a11y.Registry
	Close() error
}

var _ a11y.Windows = (*x11.Locator)(nil)

// x11Display adapts an X connection to Display
type x11Display struct {
	conn *x11.Conn
}

// ConnectDisplay opens the X display
func ConnectDisplay() (Display, error) {
	conn, err := x11.Connect()
	if err != nil {
		return nil, err
	}
	return &x11Display{conn: conn}, nil
}

func (d *x11Display) ClientWindows() ([]*x11.WindowInfo, error) {
	return d.conn.ClientWindows()
}

func (d *x11Display) IsAlive(handle window.Handle) bool {
	return d.conn.IsAlive(xproto.Window(handle))
}

func (d *x11Display) Activate(handle window.Handle) error {
	return d.conn.Activate(xproto.Window(handle))
}

func (d *x11Display) Locator() a11y.Windows {
	return x11.NewLocator(d.conn)
}

func (d *x11Display) Close() error {
	return d.conn.Close()
}

// ProcessInfo resolves a pid to its process name and executable path
type ProcessInfo func(pid int) (name, exe string)

func procProcessInfo(pid int) (string, string) {
	name, _ := x11.ProcessName(pid)
	exe, _ := x11.ExecutablePath(pid)
	return name, exe
}

// base carries what both built-in providers share: display access,
// settings, exclusions
type base struct {
	name    string
	connect func() (Display, error)
	process ProcessInfo

	log   *zerolog.Logger
	store settings.Store

	mu         sync.RWMutex
	display    Display
	exclusions window.ExclusionSet
}

func newBase(name string) base {
	return base{
		name:    name,
		connect: ConnectDisplay,
		process: procProcessInfo,
		log:     logger.WithComponent("provider-" + name),
		store:   settings.NewMemoryStore(),
	}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) init(pctx window.Context) error {
	if pctx.Logger != nil {
		b.log = pctx.Logger
	}
	if pctx.Settings != nil {
		b.store = pctx.Settings
	}

	display, err := b.connect()
	if err != nil {
		return fmt.Errorf("failed to open display: %w", err)
	}

	b.mu.Lock()
	b.display = display
	b.mu.Unlock()
	return nil
}

func (b *base) getDisplay() (Display, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.display == nil {
		return nil, fmt.Errorf("provider %s is not initialized", b.name)
	}
	return b.display, nil
}

func (b *base) SetExclusions(processNames []string) {
	set := window.NewExclusionSet(processNames)
	b.mu.Lock()
	b.exclusions = set
	b.mu.Unlock()
}

func (b *base) excluded(processName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exclusions.Contains(processName)
}

func (b *base) Activate(ctx context.Context, item window.Item) error {
	display, err := b.getDisplay()
	if err != nil {
		return err
	}
	b.log.Debug().Str("key", item.Key().String()).Str("title", item.Title).Msg("Activating")
	return display.Activate(item.Handle)
}

func (b *base) IsAlive(key window.Key) bool {
	display, err := b.getDisplay()
	if err != nil {
		return false
	}
	return display.IsAlive(key.Handle)
}

func (b *base) Close() error {
	b.mu.Lock()
	display := b.display
	b.display = nil
	b.mu.Unlock()
	if display == nil {
		return nil
	}
	return display.Close()
}

// item builds the whole-window item for info
func (b *base) item(info *x11.WindowInfo) window.Item {
	name, exe := b.process(info.PID)
	if name == "" {
		name = strings.ToLower(info.Class)
	}
	return window.Item{
		Handle:         info.Handle(),
		Title:          info.Title,
		ProcessName:    name,
		ExecutablePath: exe,
		Source:         b.name,
	}
}

// boolSetting reads a boolean setting, falling back to def when the value
// is missing or unparsable
func (b *base) boolSetting(key string, def bool) bool {
	raw, ok := b.store.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		b.log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid boolean setting")
		return def
	}
	return v
}

// listSetting reads a comma separated setting
func (b *base) listSetting(key string, def []string) []string {
	raw, ok := b.store.Get(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
