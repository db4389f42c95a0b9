package x11

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/switchr/internal/resolver"
	"github.com/bryanchriswhite/switchr/internal/window"
)

// Locator answers which process owns a window and where the window sits
// on screen
type Locator struct {
	conn *Conn
}

// NewLocator wraps conn
func NewLocator(conn *Conn) *Locator {
	return &Locator{conn: conn}
}

// PID returns the owning pid from _NET_WM_PID
func (l *Locator) PID(handle window.Handle) (int, error) {
	return l.conn.PID(xproto.Window(handle))
}

// Rect returns the window's root-relative rectangle
func (l *Locator) Rect(handle window.Handle) (resolver.Rect, error) {
	geom, err := l.conn.Geometry(xproto.Window(handle))
	if err != nil {
		return resolver.Rect{}, err
	}
	return resolver.Rect{X: geom.X, Y: geom.Y, Width: geom.Width, Height: geom.Height}, nil
}

// At returns the client window under a root point
func (l *Locator) At(x, y int) (window.Handle, error) {
	win, err := l.conn.ChildAt(x, y)
	if err != nil {
		return 0, err
	}
	return window.Handle(win), nil
}
