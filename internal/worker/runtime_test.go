package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/switchr/internal/providers"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/bryanchriswhite/switchr/internal/window"
)

const terminatorLine = `{"pluginName":"","windows":null,"error":null,"isFinal":true}`

type fakeProvider struct {
	name      string
	isolated  bool
	items     []window.Item
	initErr   error
	scanErr   error
	panics    bool
	scanned   chan struct{}
	waitFor   chan struct{}
	excluded  []string
	gotPrefix string
}

var _ window.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Init(_ context.Context, pctx window.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	if pctx.Settings != nil {
		f.gotPrefix, _ = pctx.Settings.Get("marker")
	}
	return nil
}

func (f *fakeProvider) ReloadSettings() error { return nil }

func (f *fakeProvider) SetExclusions(names []string) { f.excluded = names }

func (f *fakeProvider) Scan(ctx context.Context) ([]window.Item, error) {
	if f.panics {
		panic("bad pointer")
	}
	if f.waitFor != nil {
		select {
		case <-f.waitFor:
		case <-time.After(2 * time.Second):
			return nil, errors.New("scans did not run concurrently")
		}
	}
	if f.scanned != nil {
		close(f.scanned)
	}
	return f.items, f.scanErr
}

func (f *fakeProvider) Activate(context.Context, window.Item) error { return nil }

func (f *fakeProvider) RequiresIsolation() bool { return f.isolated }

func (f *fakeProvider) IsAlive(window.Key) bool { return true }

func (f *fakeProvider) Close() error { return nil }

func catalogOf(ps ...*fakeProvider) *providers.Catalog {
	c := providers.NewCatalog()
	for _, p := range ps {
		p := p
		c.Register(p.name, func() window.Provider { return p })
	}
	return c
}

func run(t *testing.T, c *providers.Catalog, request string) ([]string, []Message) {
	t.Helper()
	var out bytes.Buffer
	if err := New(c, settings.NewMemoryStore()).Run(context.Background(), strings.NewReader(request), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return parseLines(t, out.String())
}

func parseLines(t *testing.T, output string) ([]string, []Message) {
	t.Helper()
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	msgs := make([]Message, 0, len(lines))
	for i, line := range lines {
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line %d is not a message: %q: %v", i+1, line, err)
		}
		msgs = append(msgs, msg)
	}

	finals := 0
	for _, msg := range msgs {
		if msg.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("output has %d final messages, want 1", finals)
	}
	if lines[len(lines)-1] != terminatorLine {
		t.Fatalf("last line = %s, want %s", lines[len(lines)-1], terminatorLine)
	}
	return lines, msgs
}

func byProvider(msgs []Message) map[string]Message {
	out := make(map[string]Message)
	for _, msg := range msgs {
		if !msg.IsFinal {
			out[msg.PluginName] = msg
		}
	}
	return out
}

func TestRunScansEligibleProviders(t *testing.T) {
	a := &fakeProvider{name: "a", isolated: true, items: []window.Item{{Handle: 1, Title: "one", ProcessName: "editor"}}}
	b := &fakeProvider{name: "b", isolated: true, items: []window.Item{{Handle: 2, Title: "two", ProcessName: "viewer", ExecutablePath: "/usr/bin/viewer"}}}
	disabled := &fakeProvider{name: "off", isolated: true}
	inProcess := &fakeProvider{name: "host", isolated: false}

	lines, msgs := run(t, catalogOf(a, b, disabled, inProcess), `{"command":"scan","disabledPlugins":["off"],"excludedProcesses":[]}`+"\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), strings.Join(lines, "\n"))
	}

	got := byProvider(msgs)
	if _, ok := got["off"]; ok {
		t.Error("disabled provider was scanned")
	}
	if _, ok := got["host"]; ok {
		t.Error("in-process provider was scanned by the worker")
	}

	msgA := got["a"]
	if msgA.Error != nil || len(msgA.Windows) != 1 || msgA.Windows[0].Hwnd != 1 {
		t.Errorf("message a = %+v", msgA)
	}
	if msgA.Windows[0].ExecutablePath != nil {
		t.Errorf("empty executable path = %q, want null", *msgA.Windows[0].ExecutablePath)
	}
	if msgA.Windows[0].PluginName != "a" {
		t.Errorf("window pluginName = %q, want a", msgA.Windows[0].PluginName)
	}

	msgB := got["b"]
	if msgB.Windows[0].ExecutablePath == nil || *msgB.Windows[0].ExecutablePath != "/usr/bin/viewer" {
		t.Errorf("message b executable path = %v", msgB.Windows[0].ExecutablePath)
	}
}

func TestRunEmptyScanEncodesEmptyList(t *testing.T) {
	p := &fakeProvider{name: "empty", isolated: true}
	lines, _ := run(t, catalogOf(p), `{"command":"scan"}`)

	want := `{"pluginName":"empty","windows":[],"error":null,"isFinal":false}`
	if lines[0] != want {
		t.Errorf("line = %s, want %s", lines[0], want)
	}
}

func TestRunBadRequests(t *testing.T) {
	p := &fakeProvider{name: "a", isolated: true}

	tests := []struct {
		name    string
		request string
		wantErr string
	}{
		{"empty", "", "empty request"},
		{"garbage", "not json\n", "parse request"},
		{"unknown command", `{"command":"dance"}` + "\n", "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, msgs := run(t, catalogOf(p), tt.request)
			if len(lines) != 2 {
				t.Fatalf("got %d lines, want 2", len(lines))
			}
			msg := msgs[0]
			if msg.PluginName != "" || msg.IsFinal || msg.Windows != nil {
				t.Errorf("error message = %+v", msg)
			}
			if msg.Error == nil || !strings.Contains(*msg.Error, tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", msg.Error, tt.wantErr)
			}
			if last := msgs[1]; !last.IsFinal || last.Error != nil {
				t.Errorf("last line = %+v, want the terminator", last)
			}
		})
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	good := &fakeProvider{name: "good", isolated: true, items: []window.Item{{Handle: 7, Title: "fine"}}}
	broken := &fakeProvider{name: "broken", isolated: true, scanErr: errors.New("tree walk timed out")}
	crashy := &fakeProvider{name: "crashy", isolated: true, panics: true}
	uninit := &fakeProvider{name: "uninit", isolated: true, initErr: errors.New("no accessibility bus")}

	lines, msgs := run(t, catalogOf(good, broken, crashy, uninit), `{"command":"scan"}`)
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}

	got := byProvider(msgs)
	if len(got["good"].Windows) != 1 || got["good"].Error != nil {
		t.Errorf("good provider = %+v", got["good"])
	}
	for _, name := range []string{"broken", "crashy", "uninit"} {
		msg := got[name]
		if msg.Error == nil {
			t.Errorf("%s: no error reported", name)
		}
		if msg.Windows != nil {
			t.Errorf("%s: windows = %v, want null", name, msg.Windows)
		}
	}
	if !strings.Contains(*got["uninit"].Error, "init failed") {
		t.Errorf("init error = %q", *got["uninit"].Error)
	}
	if !strings.Contains(*got["crashy"].Error, "panicked") {
		t.Errorf("panic error = %q", *got["crashy"].Error)
	}
}

func TestRunAppliesExclusions(t *testing.T) {
	p := &fakeProvider{
		name:     "a",
		isolated: true,
		items: []window.Item{
			{Handle: 1, ProcessName: "KeePassXC"},
			{Handle: 2, ProcessName: "editor"},
		},
	}

	_, msgs := run(t, catalogOf(p), `{"command":"scan","excludedProcesses":["keepassxc"]}`)
	if len(p.excluded) != 1 || p.excluded[0] != "keepassxc" {
		t.Errorf("provider exclusions = %v", p.excluded)
	}
	windows := byProvider(msgs)["a"].Windows
	if len(windows) != 1 || windows[0].Hwnd != 2 {
		t.Errorf("windows = %+v, want only hwnd 2", windows)
	}
}

func TestRunScansConcurrently(t *testing.T) {
	fast := &fakeProvider{name: "fast", isolated: true, scanned: make(chan struct{})}
	slow := &fakeProvider{name: "slow", isolated: true, waitFor: fast.scanned}

	_, msgs := run(t, catalogOf(slow, fast), `{"command":"scan"}`)
	if msg := byProvider(msgs)["slow"]; msg.Error != nil {
		t.Errorf("slow provider: %s", *msg.Error)
	}
}

func TestRunNamespacesSettings(t *testing.T) {
	store := settings.NewMemoryStore()
	if err := store.Set("providers.a.marker", "mine"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p := &fakeProvider{name: "a", isolated: true}

	var out bytes.Buffer
	if err := New(catalogOf(p), store).Run(context.Background(), strings.NewReader(`{"command":"scan"}`), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.gotPrefix != "mine" {
		t.Errorf("provider read %q, want mine", p.gotPrefix)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestRunReportsBrokenOutput(t *testing.T) {
	p := &fakeProvider{name: "a", isolated: true}
	err := New(catalogOf(p), nil).Run(context.Background(), strings.NewReader(`{"command":"scan"}`), failingWriter{})
	if err == nil {
		t.Error("Run with broken stdout returned nil")
	}
}

func TestMessageItemsRoundTrip(t *testing.T) {
	item := window.Item{Handle: 0x2a, Title: "tab", ProcessName: "firefox", ExecutablePath: "/usr/bin/firefox", Source: "documents", Fallback: true}
	msg := ItemsMessage("documents", []window.Item{item})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	items := decoded.Items()
	if len(items) != 1 || items[0] != item {
		t.Errorf("Items() = %+v, want %+v", items, item)
	}

	if got := (Message{PluginName: "x"}).Items(); got != nil {
		t.Errorf("null windows decoded as %v, want nil", got)
	}
}
