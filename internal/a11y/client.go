// Package a11y reads the AT-SPI accessibility tree over D-Bus.
package a11y

import (
	"context"
	"fmt"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// AT-SPI D-Bus constants
const (
	busService          = "org.a11y.Bus"
	busPath             = "/org/a11y/bus"
	busInterface        = "org.a11y.Bus"
	registryService     = "org.a11y.atspi.Registry"
	registryRootPath    = "/org/a11y/atspi/accessible/root"
	accessibleInterface = "org.a11y.atspi.Accessible"
)

// Ref points at one accessible object: the owning bus name and its path
type Ref struct {
	Name string
	Path dbus.ObjectPath
}

// String formats the reference as name:path
func (r Ref) String() string {
	return r.Name + ":" + string(r.Path)
}

// Tree is the subset of the accessibility API used to walk applications
type Tree interface {
	Children(ctx context.Context, ref Ref) ([]Ref, error)
	RoleName(ctx context.Context, ref Ref) (string, error)
	Name(ctx context.Context, ref Ref) (string, error)
}

// Registry is a Tree whose root lists applications, each mapped to the
// process that owns it
type Registry interface {
	Tree
	Root() Ref
	ProcessID(ctx context.Context, ref Ref) (int, error)
}

// Client is a connection to the accessibility bus
type Client struct {
	conn *dbus.Conn
	log  *zerolog.Logger
}

var _ Registry = (*Client)(nil)

// Connect asks the session bus for the accessibility bus address and
// connects to it
func Connect(ctx context.Context) (*Client, error) {
	session, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer session.Close()

	var address string
	obj := session.Object(busService, busPath)
	if err := obj.CallWithContext(ctx, busInterface+".GetAddress", 0).Store(&address); err != nil {
		return nil, fmt.Errorf("failed to get accessibility bus address: %w", err)
	}

	conn, err := dbus.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to accessibility bus: %w", err)
	}

	log := logger.WithComponent("a11y")
	log.Debug().Str("address", address).Msg("Connected to accessibility bus")

	return &Client{conn: conn, log: log}, nil
}

// Close closes the accessibility bus connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Root returns the registry's desktop root, whose children are the
// registered applications
func (c *Client) Root() Ref {
	return Ref{Name: registryService, Path: registryRootPath}
}

// Children returns the direct children of ref
func (c *Client) Children(ctx context.Context, ref Ref) ([]Ref, error) {
	var children []Ref
	obj := c.conn.Object(ref.Name, ref.Path)
	if err := obj.CallWithContext(ctx, accessibleInterface+".GetChildren", 0).Store(&children); err != nil {
		return nil, fmt.Errorf("GetChildren %s: %w", ref, err)
	}
	return children, nil
}

// RoleName returns the localized-independent role name, e.g. "page tab"
func (c *Client) RoleName(ctx context.Context, ref Ref) (string, error) {
	var role string
	obj := c.conn.Object(ref.Name, ref.Path)
	if err := obj.CallWithContext(ctx, accessibleInterface+".GetRoleName", 0).Store(&role); err != nil {
		return "", fmt.Errorf("GetRoleName %s: %w", ref, err)
	}
	return role, nil
}

// Name returns the accessible name of ref
func (c *Client) Name(ctx context.Context, ref Ref) (string, error) {
	var v dbus.Variant
	obj := c.conn.Object(ref.Name, ref.Path)
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, accessibleInterface, "Name").Store(&v)
	if err != nil {
		return "", fmt.Errorf("get Name %s: %w", ref, err)
	}
	name, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("name of %s is %T", ref, v.Value())
	}
	return name, nil
}

// ProcessID returns the pid of the process owning ref's bus connection
func (c *Client) ProcessID(ctx context.Context, ref Ref) (int, error) {
	var pid uint32
	err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionUnixProcessID", 0, ref.Name).Store(&pid)
	if err != nil {
		return 0, fmt.Errorf("GetConnectionUnixProcessID %s: %w", ref.Name, err)
	}
	return int(pid), nil
}
