package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/switchr/internal/a11y"
	"github.com/bryanchriswhite/switchr/internal/resolver"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/bryanchriswhite/switchr/internal/x11"
	"github.com/godbus/dbus/v5"
)

type fakeDisplay struct {
	mu        sync.Mutex
	windows   []*x11.WindowInfo
	listErr   error
	alive     map[window.Handle]bool
	activated []window.Handle
	closed    bool
}

var _ Display = (*fakeDisplay)(nil)

func (d *fakeDisplay) ClientWindows() ([]*x11.WindowInfo, error) {
	return d.windows, d.listErr
}

func (d *fakeDisplay) IsAlive(h window.Handle) bool {
	return d.alive[h]
}

func (d *fakeDisplay) Activate(h window.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = append(d.activated, h)
	return nil
}

func (d *fakeDisplay) Locator() a11y.Windows {
	return &fakeLocator{windows: d.windows}
}

func (d *fakeDisplay) Close() error {
	d.closed = true
	return nil
}

// fakeLocator answers pids from the window list and has no geometry
type fakeLocator struct {
	windows []*x11.WindowInfo
}

func (l *fakeLocator) PID(h window.Handle) (int, error) {
	for _, info := range l.windows {
		if info.Handle() == h && info.PID != 0 {
			return info.PID, nil
		}
	}
	return 0, fmt.Errorf("window 0x%x has no pid", int64(h))
}

func (l *fakeLocator) Rect(window.Handle) (resolver.Rect, error) {
	return resolver.Rect{}, errors.New("no geometry")
}

func (l *fakeLocator) At(int, int) (window.Handle, error) {
	return 0, errors.New("no window")
}

type fakeNode struct {
	role     string
	name     string
	children []string
}

// fakeAccessibility registers one application per pid under the registry
// root, owned by bus name ":1.<pid>"; node paths are global across
// applications
type fakeAccessibility struct {
	apps   map[int]string
	nodes  map[string]fakeNode
	closed bool

	mu sync.Mutex
	// rootFailures is how many root listings fail before one succeeds
	rootFailures int
	rootCalls    int
}

var _ Accessibility = (*fakeAccessibility)(nil)

var fakeRoot = a11y.Ref{Name: "org.a11y.atspi.Registry", Path: "/org/a11y/atspi/accessible/root"}

func (f *fakeAccessibility) Root() a11y.Ref {
	return fakeRoot
}

func (f *fakeAccessibility) ProcessID(_ context.Context, r a11y.Ref) (int, error) {
	var pid int
	if _, err := fmt.Sscanf(r.Name, ":1.%d", &pid); err != nil {
		return 0, fmt.Errorf("no process owns %s", r.Name)
	}
	return pid, nil
}

func (f *fakeAccessibility) listRoot() ([]a11y.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootCalls++
	if f.rootCalls <= f.rootFailures {
		return nil, errors.New("registry did not reply")
	}
	pids := make([]int, 0, len(f.apps))
	for pid := range f.apps {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	out := make([]a11y.Ref, len(pids))
	for i, pid := range pids {
		out[i] = a11y.Ref{Name: fmt.Sprintf(":1.%d", pid), Path: dbus.ObjectPath(f.apps[pid])}
	}
	return out, nil
}

func (f *fakeAccessibility) rootListings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rootCalls
}

func (f *fakeAccessibility) node(r a11y.Ref) (fakeNode, error) {
	n, ok := f.nodes[string(r.Path)]
	if !ok {
		return fakeNode{}, errors.New("no reply")
	}
	return n, nil
}

func (f *fakeAccessibility) Children(_ context.Context, r a11y.Ref) ([]a11y.Ref, error) {
	if r == fakeRoot {
		return f.listRoot()
	}
	n, err := f.node(r)
	if err != nil {
		return nil, err
	}
	out := make([]a11y.Ref, len(n.children))
	for i, c := range n.children {
		out[i] = a11y.Ref{Name: r.Name, Path: dbus.ObjectPath(c)}
	}
	return out, nil
}

func (f *fakeAccessibility) RoleName(_ context.Context, r a11y.Ref) (string, error) {
	n, err := f.node(r)
	return n.role, err
}

func (f *fakeAccessibility) Name(_ context.Context, r a11y.Ref) (string, error) {
	n, err := f.node(r)
	return n.name, err
}

func (f *fakeAccessibility) Close() error {
	f.closed = true
	return nil
}

var processes = map[int][2]string{
	100: {"firefox", "/usr/lib/firefox/firefox"},
	200: {"xterm", "/usr/bin/xterm"},
	300: {"keepassxc", "/usr/bin/keepassxc"},
	400: {"evince", ""},
}

func fakeProcessInfo(pid int) (string, string) {
	p := processes[pid]
	return p[0], p[1]
}

func desktop() *fakeDisplay {
	return &fakeDisplay{
		windows: []*x11.WindowInfo{
			{ID: xproto.Window(0x100), Title: "Go Packages - Firefox", Class: "firefox", PID: 100},
			{ID: xproto.Window(0x200), Title: "~/src", Class: "XTerm", PID: 200},
			{ID: xproto.Window(0x300), Title: "Passwords", Class: "KeePassXC", PID: 300},
			{ID: xproto.Window(0x400), Title: "paper.pdf", Class: "Evince", PID: 400},
			{ID: xproto.Window(0x500), Title: "", Class: "Untitled", PID: 0},
		},
		alive: map[window.Handle]bool{0x100: true, 0x200: true},
	}
}

func browser() *fakeAccessibility {
	return &fakeAccessibility{
		apps: map[int]string{100: "/firefox"},
		nodes: map[string]fakeNode{
			"/firefox": {role: "application", children: []string{"/frame"}},
			"/frame":   {role: "frame", name: "Go Packages - Firefox", children: []string{"/tab1", "/tab2"}},
			"/tab1":    {role: "page tab", name: "Go Packages"},
			"/tab2":    {role: "page tab", name: "pkg.go.dev"},
		},
	}
}

func newTestWindows(d *fakeDisplay) *Windows {
	w := NewWindows()
	w.connect = func() (Display, error) { return d, nil }
	w.process = fakeProcessInfo
	return w
}

func newTestDocuments(d *fakeDisplay, acc *fakeAccessibility, accErr error) *Documents {
	return newTestDocumentsWith(resolver.DefaultOptions(), d, acc, accErr)
}

func newTestDocumentsWith(opts resolver.Options, d *fakeDisplay, acc *fakeAccessibility, accErr error) *Documents {
	doc := NewDocuments(opts)
	doc.connect = func() (Display, error) { return d, nil }
	doc.process = fakeProcessInfo
	doc.openA11y = func(context.Context) (Accessibility, error) {
		if accErr != nil {
			return nil, accErr
		}
		return acc, nil
	}
	return doc
}

func initProvider(t *testing.T, p window.Provider, store settings.Store) {
	t.Helper()
	pctx := window.Context{Settings: settings.ProviderNamespace(store, p.Name())}
	if err := window.SafeInit(context.Background(), p, pctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestWindowsScan(t *testing.T) {
	d := desktop()
	w := newTestWindows(d)
	initProvider(t, w, settings.NewMemoryStore())

	items, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Scan returned %d items, want 4 titled windows", len(items))
	}

	first := items[0]
	if first.Handle != 0x100 || first.ProcessName != "firefox" || first.ExecutablePath != "/usr/lib/firefox/firefox" {
		t.Errorf("first item = %+v", first)
	}
	if first.Source != WindowsName {
		t.Errorf("Source = %q, want %q", first.Source, WindowsName)
	}
	if items[3].ExecutablePath != "" {
		t.Errorf("unreadable executable path = %q, want empty", items[3].ExecutablePath)
	}
}

func TestWindowsExclusions(t *testing.T) {
	w := newTestWindows(desktop())
	initProvider(t, w, settings.NewMemoryStore())
	w.SetExclusions([]string{"KeePassXC", "xterm.exe"})

	items, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, item := range items {
		if item.ProcessName == "keepassxc" || item.ProcessName == "xterm" {
			t.Errorf("excluded process %s was listed", item.ProcessName)
		}
	}
	if len(items) != 2 {
		t.Errorf("Scan returned %d items, want 2", len(items))
	}
}

func TestWindowsUntitledSetting(t *testing.T) {
	store := settings.NewMemoryStore()
	if err := store.Set("providers.windows.skip_untitled", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	w := newTestWindows(desktop())
	initProvider(t, w, store)

	items, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Scan returned %d items, want 5 with untitled windows", len(items))
	}
	if items[4].ProcessName != "untitled" {
		t.Errorf("class fallback process name = %q, want untitled", items[4].ProcessName)
	}

	if err := store.Set("providers.windows.skip_untitled", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := w.ReloadSettings(); err != nil {
		t.Fatalf("ReloadSettings: %v", err)
	}
	items, _ = w.Scan(context.Background())
	if len(items) != 4 {
		t.Errorf("after reload Scan returned %d items, want 4", len(items))
	}
}

func TestWindowsLivenessAndActivation(t *testing.T) {
	d := desktop()
	w := newTestWindows(d)
	initProvider(t, w, settings.NewMemoryStore())

	if !w.IsAlive(window.Key{Handle: 0x100, Source: WindowsName}) {
		t.Error("IsAlive(0x100) = false, want true")
	}
	if w.IsAlive(window.Key{Handle: 0x300, Source: WindowsName}) {
		t.Error("IsAlive(0x300) = true, want false")
	}

	if err := w.Activate(context.Background(), window.Item{Handle: 0x200}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(d.activated) != 1 || d.activated[0] != 0x200 {
		t.Errorf("activated = %v, want [0x200]", d.activated)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d.closed {
		t.Error("display not closed")
	}
	if w.IsAlive(window.Key{Handle: 0x100}) {
		t.Error("IsAlive after Close = true, want false")
	}
}

func TestWindowsUninitialized(t *testing.T) {
	w := NewWindows()
	if _, err := w.Scan(context.Background()); err == nil {
		t.Error("Scan before Init succeeded, want error")
	}
}

func TestWindowsInitFailure(t *testing.T) {
	cause := errors.New("cannot open display")
	w := NewWindows()
	w.connect = func() (Display, error) { return nil, cause }

	err := window.SafeInit(context.Background(), w, window.Context{})
	var initErr *window.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err = %v, want *window.InitError", err)
	}
	if initErr.Provider != WindowsName {
		t.Errorf("Provider = %q, want %q", initErr.Provider, WindowsName)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(%v, cause) = false", err)
	}
}

func TestWindowsListError(t *testing.T) {
	listErr := errors.New("connection reset")
	d := desktop()
	d.listErr = listErr

	w := newTestWindows(d)
	initProvider(t, w, settings.NewMemoryStore())
	if _, err := w.Scan(context.Background()); !errors.Is(err, listErr) {
		t.Errorf("windows Scan err = %v, want wrapped %v", err, listErr)
	}

	doc := newTestDocuments(d, browser(), nil)
	initProvider(t, doc, settings.NewMemoryStore())
	if _, err := doc.Scan(context.Background()); !errors.Is(err, listErr) {
		t.Errorf("documents Scan err = %v, want wrapped %v", err, listErr)
	}
}

func TestDocumentsScan(t *testing.T) {
	d := desktop()
	acc := browser()
	doc := newTestDocuments(d, acc, nil)
	initProvider(t, doc, settings.NewMemoryStore())

	items, err := doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	// two firefox tabs plus a fallback for evince, which does not resolve
	if len(items) != 3 {
		t.Fatalf("Scan returned %d items, want 3: %+v", len(items), items)
	}
	if items[0].Title != "Go Packages" || items[1].Title != "pkg.go.dev" {
		t.Errorf("tab titles = %q, %q", items[0].Title, items[1].Title)
	}
	for _, item := range items[:2] {
		if item.Handle != 0x100 || item.Fallback {
			t.Errorf("tab item = %+v, want handle 0x100 without fallback", item)
		}
		if item.Source != DocumentsName {
			t.Errorf("Source = %q, want %q", item.Source, DocumentsName)
		}
	}
	if items[2].Handle != 0x400 || !items[2].Fallback || items[2].Title != "paper.pdf" {
		t.Errorf("fallback item = %+v", items[2])
	}

	if err := doc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !acc.closed || !d.closed {
		t.Error("Close left connections open")
	}
}

func TestDocumentsRetriesRegistryLookups(t *testing.T) {
	store := settings.NewMemoryStore()
	if err := store.Set("providers.documents.processes", "firefox"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// one attempt runs three root listings (handle, pid search, walk);
	// they all fail, and the handle lookup of the second attempt succeeds
	acc := browser()
	acc.rootFailures = 3
	doc := newTestDocumentsWith(resolver.Options{MaxAttempts: 3, Delay: time.Millisecond}, desktop(), acc, nil)
	initProvider(t, doc, store)

	items, err := doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 2 || items[0].Fallback || items[0].Title != "Go Packages" {
		t.Fatalf("Scan = %+v, want the 2 firefox tabs", items)
	}
	if got := acc.rootListings(); got != 4 {
		t.Errorf("root listings = %d, want 4", got)
	}

	acc = browser()
	acc.rootFailures = 3
	doc = newTestDocumentsWith(resolver.Options{MaxAttempts: 1}, desktop(), acc, nil)
	initProvider(t, doc, store)

	items, err = doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 1 || !items[0].Fallback {
		t.Errorf("single attempt Scan = %+v, want one fallback item", items)
	}
}

func TestDocumentsAccessibilityUnavailable(t *testing.T) {
	doc := newTestDocuments(desktop(), nil, errors.New("org.a11y.Bus not provided"))
	initProvider(t, doc, settings.NewMemoryStore())

	items, err := doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Scan returned %d items, want 2 fallback windows", len(items))
	}
	for _, item := range items {
		if !item.Fallback {
			t.Errorf("item %+v is not a fallback", item)
		}
	}
}

func TestDocumentsProcessSetting(t *testing.T) {
	store := settings.NewMemoryStore()
	if err := store.Set("providers.documents.processes", "firefox"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	doc := newTestDocuments(desktop(), browser(), nil)
	initProvider(t, doc, store)

	items, err := doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Scan returned %d items, want only the 2 firefox tabs", len(items))
	}
}

func TestDocumentsExclusions(t *testing.T) {
	doc := newTestDocuments(desktop(), browser(), nil)
	initProvider(t, doc, settings.NewMemoryStore())
	doc.SetExclusions([]string{"firefox"})

	items, err := doc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, item := range items {
		if item.ProcessName == "firefox" {
			t.Errorf("excluded firefox item listed: %+v", item)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := Default(Options{Resolver: resolver.DefaultOptions()})

	names := c.Names()
	if len(names) != 2 || names[0] != WindowsName || names[1] != DocumentsName {
		t.Errorf("Names() = %v, want [windows documents]", names)
	}

	isolated := c.Isolated(nil)
	if len(isolated) != 1 || isolated[0].Name() != DocumentsName {
		t.Errorf("Isolated() = %d providers, want documents only", len(isolated))
	}
	if got := c.Isolated([]string{DocumentsName}); len(got) != 0 {
		t.Errorf("Isolated with documents disabled = %d providers, want 0", len(got))
	}

	info := c.Describe([]string{WindowsName})
	if len(info) != 2 || info[0].Enabled || !info[1].Enabled || !info[1].RequiresIsolation {
		t.Errorf("Describe() = %+v", info)
	}

	a, b := c.New(), c.New()
	if a[0] == b[0] {
		t.Error("New() returned shared instances")
	}
}

func TestCatalogRegisterReplaces(t *testing.T) {
	c := NewCatalog()
	c.Register("a", func() window.Provider { return NewWindows() })
	c.Register("b", func() window.Provider { return NewWindows() })
	c.Register("a", func() window.Provider { return NewDocuments(resolver.DefaultOptions()) })

	if names := c.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("Names() = %v, want [a b]", names)
	}
	if !c.New()[0].RequiresIsolation() {
		t.Error("re-registered factory not used")
	}
}
