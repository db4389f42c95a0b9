// Package x11 talks to the X server for window enumeration, liveness,
// activation and geometry.
package x11

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/rs/zerolog"
)

// Geometry is a window rectangle in root coordinates
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WindowInfo is what the X server knows about a client window
type WindowInfo struct {
	ID       xproto.Window
	Title    string
	Class    string
	PID      int
	Geometry Geometry
}

// Handle returns the window id as a window.Handle
func (w *WindowInfo) Handle() window.Handle {
	return window.Handle(w.ID)
}

// Conn is a connection to the X server with an atom cache
type Conn struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	log    *zerolog.Logger

	atomMu sync.Mutex
	atoms  map[string]xproto.Atom
}

// Connect opens a connection to the display named by $DISPLAY
func Connect() (*Conn, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	return &Conn{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
		log:    logger.WithComponent("x11"),
		atoms:  make(map[string]xproto.Atom),
	}, nil
}

// Close closes the X connection
func (c *Conn) Close() error {
	c.conn.Close()
	return nil
}

// Root returns the root window of the default screen
func (c *Conn) Root() xproto.Window {
	return c.root
}

// ClientWindows returns the switchable client windows, using EWMH
// _NET_CLIENT_LIST and falling back to the root's children
func (c *Conn) ClientWindows() ([]*WindowInfo, error) {
	ids, err := c.clientList()
	if err != nil || len(ids) == 0 {
		if err != nil {
			c.log.Debug().Err(err).Msg("EWMH client list failed, falling back to QueryTree")
		} else {
			c.log.Debug().Msg("EWMH client list empty, falling back to QueryTree")
		}
		ids, err = c.rootChildren()
		if err != nil {
			return nil, fmt.Errorf("query tree: %w", err)
		}
	}

	windows := make([]*WindowInfo, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		if !c.switchable(id) {
			skipped++
			continue
		}
		info, err := c.Info(id)
		if err != nil {
			skipped++
			continue
		}
		if info.Title == "" && info.Class == "" {
			skipped++
			continue
		}
		windows = append(windows, info)
	}

	c.log.Debug().
		Int("found", len(windows)).
		Int("skipped", skipped).
		Msg("Enumerated client windows")

	return windows, nil
}

// clientList reads _NET_CLIENT_LIST from the root window
func (c *Conn) clientList() ([]xproto.Window, error) {
	values, err := c.cardinals(c.root, "_NET_CLIENT_LIST")
	if err != nil {
		return nil, err
	}
	ids := make([]xproto.Window, len(values))
	for i, v := range values {
		ids[i] = xproto.Window(v)
	}
	return ids, nil
}

func (c *Conn) rootChildren() ([]xproto.Window, error) {
	tree, err := xproto.QueryTree(c.conn, c.root).Reply()
	if err != nil {
		return nil, err
	}
	return tree.Children, nil
}

// skippedTypes are window types that never appear in a switcher
var skippedTypes = []string{
	"_NET_WM_WINDOW_TYPE_DESKTOP",
	"_NET_WM_WINDOW_TYPE_DOCK",
	"_NET_WM_WINDOW_TYPE_TOOLBAR",
	"_NET_WM_WINDOW_TYPE_MENU",
	"_NET_WM_WINDOW_TYPE_SPLASH",
	"_NET_WM_WINDOW_TYPE_NOTIFICATION",
}

// switchable reports whether a window belongs in a task switcher
func (c *Conn) switchable(win xproto.Window) bool {
	if types, err := c.cardinals(win, "_NET_WM_WINDOW_TYPE"); err == nil {
		for _, t := range types {
			for _, name := range skippedTypes {
				if atom, err := c.atom(name); err == nil && xproto.Atom(t) == atom {
					return false
				}
			}
		}
	}
	if states, err := c.cardinals(win, "_NET_WM_STATE"); err == nil {
		skip, err := c.atom("_NET_WM_STATE_SKIP_TASKBAR")
		if err == nil {
			for _, s := range states {
				if xproto.Atom(s) == skip {
					return false
				}
			}
		}
	}
	return true
}

// Info reads title, class, pid and geometry of a window
func (c *Conn) Info(win xproto.Window) (*WindowInfo, error) {
	if _, err := xproto.GetWindowAttributes(c.conn, win).Reply(); err != nil {
		return nil, fmt.Errorf("window 0x%x: %w", uint32(win), err)
	}

	info := &WindowInfo{ID: win}

	if title, err := c.stringProperty(win, "_NET_WM_NAME"); err == nil {
		info.Title = title
	}
	if info.Title == "" {
		if title, err := c.stringProperty(win, "WM_NAME"); err == nil {
			info.Title = title
		}
	}

	if raw, err := c.stringProperty(win, "WM_CLASS"); err == nil {
		info.Class = parseClass(raw)
	}

	info.PID, _ = c.PID(win)

	if geom, err := c.Geometry(win); err == nil {
		info.Geometry = geom
	}

	return info, nil
}

// PID returns the _NET_WM_PID of a window
func (c *Conn) PID(win xproto.Window) (int, error) {
	values, err := c.cardinals(win, "_NET_WM_PID")
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("window 0x%x has no _NET_WM_PID", uint32(win))
	}
	return int(values[0]), nil
}

// Geometry returns the window rectangle translated to root coordinates
func (c *Conn) Geometry(win xproto.Window) (Geometry, error) {
	geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Geometry{}, err
	}
	pos, err := xproto.TranslateCoordinates(c.conn, win, c.root, 0, 0).Reply()
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{
		X:      int(pos.DstX),
		Y:      int(pos.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}, nil
}

// IsAlive reports whether the window still exists
func (c *Conn) IsAlive(win xproto.Window) bool {
	_, err := xproto.GetWindowAttributes(c.conn, win).Reply()
	return err == nil
}

// Activate asks the window manager to raise and focus the window
func (c *Conn) Activate(win xproto.Window) error {
	active, err := c.atom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return err
	}

	// source indication 2: request from a pager
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   active,
		Data:   xproto.ClientMessageDataUnionData32New([]uint32{2, uint32(xproto.TimeCurrentTime), 0, 0, 0}),
	}

	const mask = xproto.EventMaskSubstructureRedirect | xproto.EventMaskSubstructureNotify
	if err := xproto.SendEventChecked(c.conn, false, c.root, mask, string(ev.Bytes())).Check(); err != nil {
		return fmt.Errorf("send _NET_ACTIVE_WINDOW: %w", err)
	}
	return nil
}

// ChildAt returns the deepest window at a root point that carries a pid
func (c *Conn) ChildAt(x, y int) (xproto.Window, error) {
	current := c.root
	found := xproto.Window(0)
	for depth := 0; depth < 16; depth++ {
		reply, err := xproto.TranslateCoordinates(c.conn, c.root, current, int16(x), int16(y)).Reply()
		if err != nil {
			return 0, err
		}
		if reply.Child == xproto.WindowNone {
			break
		}
		current = reply.Child
		if _, err := c.PID(current); err == nil {
			found = current
			break
		}
	}
	if found == 0 {
		return 0, fmt.Errorf("no client window at (%d,%d)", x, y)
	}
	return found, nil
}

// atom interns name once per connection
func (c *Conn) atom(name string) (xproto.Atom, error) {
	c.atomMu.Lock()
	defer c.atomMu.Unlock()

	if a, ok := c.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(c.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern %s: %w", name, err)
	}
	c.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (c *Conn) property(win xproto.Window, name string) (*xproto.GetPropertyReply, error) {
	a, err := c.atom(name)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(
		c.conn,
		false,
		win,
		a,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, err
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("%s is empty", name)
	}
	return reply, nil
}

func (c *Conn) stringProperty(win xproto.Window, name string) (string, error) {
	reply, err := c.property(win, name)
	if err != nil {
		return "", err
	}
	return string(reply.Value), nil
}

func (c *Conn) cardinals(win xproto.Window, name string) ([]uint32, error) {
	reply, err := c.property(win, name)
	if err != nil {
		return nil, err
	}
	if reply.Format != 32 {
		return nil, fmt.Errorf("%s has format %d", name, reply.Format)
	}
	return decodeCardinals(reply.Value), nil
}

// decodeCardinals splits a format-32 property value into integers
func decodeCardinals(value []byte) []uint32 {
	out := make([]uint32, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		out = append(out, xgb.Get32(value[i:]))
	}
	return out
}

// parseClass picks the class half of WM_CLASS ("instance\0class\0"),
// falling back to the instance
func parseClass(raw string) string {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}
