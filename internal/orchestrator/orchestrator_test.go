package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/switchr/internal/cache"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/bryanchriswhite/switchr/internal/worker"
)

const helperModeEnv = "SWITCHR_HELPER_MODE"

// TestHelperProcess stands in for the worker binary. It only does
// something when launched by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}

	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	var req worker.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, `{"level":"debug","cycle":%q,"message":"helper started"}`+"\n", os.Getenv(CycleEnv))
	fmt.Fprintln(os.Stderr, "plain text log line")

	tab := `{"pluginName":"documents","windows":[{"hwnd":256,"title":"Go Packages","processName":"firefox","executablePath":"/usr/bin/firefox","pluginName":"documents"}],"error":null,"isFinal":false}`
	broken := fmt.Sprintf(`{"pluginName":"broken","windows":null,"error":"excluded %d processes","isFinal":false}`, len(req.ExcludedProcesses))
	terminator := `{"pluginName":"","windows":null,"error":null,"isFinal":true}`

	switch mode {
	case "ok":
		fmt.Println(tab)
		fmt.Println(broken)
		fmt.Println(terminator)
	case "slow":
		time.Sleep(300 * time.Millisecond)
		fmt.Println(tab)
		fmt.Println(terminator)
	case "hang":
		fmt.Println(tab)
		time.Sleep(30 * time.Second)
	case "malformed":
		fmt.Println(tab)
		fmt.Println("panic: runtime error")
		time.Sleep(30 * time.Second)
	case "crash":
		fmt.Println(tab)
		os.Exit(3)
	case "exit-after-terminator":
		fmt.Println(tab)
		fmt.Println(terminator)
		os.Exit(1)
	}
	os.Exit(0)
}

func newHelper(t *testing.T, mode string, timeout time.Duration) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env:        []string{helperModeEnv + "=" + mode},
		Timeout:    timeout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

var scanRequest = worker.Request{
	Command:           worker.CommandScan,
	ExcludedProcesses: []string{"keepassxc", "1password"},
}

type stubProvider struct {
	name string
}

var _ window.Provider = (*stubProvider)(nil)

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Init(context.Context, window.Context) error { return nil }

func (p *stubProvider) ReloadSettings() error { return nil }

func (p *stubProvider) SetExclusions([]string) {}

func (p *stubProvider) Scan(context.Context) ([]window.Item, error) { return nil, nil }

func (p *stubProvider) Activate(context.Context, window.Item) error { return nil }

func (p *stubProvider) RequiresIsolation() bool { return true }

func (p *stubProvider) IsAlive(window.Key) bool { return false }

func (p *stubProvider) Close() error { return nil }

func TestRefreshCollectsMessages(t *testing.T) {
	t.Parallel()
	o := newHelper(t, "ok", 10*time.Second)

	res, err := o.Refresh(context.Background(), scanRequest)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.CycleID == "" {
		t.Error("empty cycle id")
	}
	if len(res.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(res.Messages))
	}
	if got := *res.Messages[1].Error; got != "excluded 2 processes" {
		t.Errorf("request not delivered: %q", got)
	}

	docs := cache.New(&stubProvider{name: "documents"})
	caches := map[string]*cache.Cache{"documents": docs}
	if n := res.ApplyTo(func(name string) *cache.Cache { return caches[name] }); n != 1 {
		t.Errorf("ApplyTo applied %d providers, want 1", n)
	}
	items := docs.Snapshot()
	if len(items) != 1 || items[0].Handle != 256 || items[0].ExecutablePath != "/usr/bin/firefox" {
		t.Errorf("cache snapshot = %+v", items)
	}

	stats := o.Stats()
	if stats.Cycles != 1 || stats.Failures != 0 || stats.LastCycleID != res.CycleID {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRefreshFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode string
		want Reason
	}{
		{"hang", ReasonTimeout},
		{"malformed", ReasonMalformed},
		{"crash", ReasonExit},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			o := newHelper(t, tt.mode, 500*time.Millisecond)

			start := time.Now()
			res, err := o.Refresh(context.Background(), scanRequest)
			if res != nil {
				t.Errorf("Refresh returned a result for a failed cycle: %+v", res)
			}
			if got := reasonOf(t, err); got != tt.want {
				t.Errorf("reason = %s, want %s (%v)", got, tt.want, err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("failed cycle took %v", elapsed)
			}
			if stats := o.Stats(); stats.Failures != 1 || stats.LastError == "" {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestRefreshIgnoresExitStatusAfterTerminator(t *testing.T) {
	t.Parallel()
	o := newHelper(t, "exit-after-terminator", 10*time.Second)

	res, err := o.Refresh(context.Background(), scanRequest)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(res.Messages))
	}
}

func TestRefreshCanceled(t *testing.T) {
	t.Parallel()
	o := newHelper(t, "hang", 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := o.Refresh(ctx, scanRequest)
	if got := reasonOf(t, err); got != ReasonCanceled {
		t.Errorf("reason = %s, want %s", got, ReasonCanceled)
	}
}

func TestRefreshSharesCycle(t *testing.T) {
	t.Parallel()
	o := newHelper(t, "slow", 10*time.Second)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Refresh(context.Background(), scanRequest)
		}(i)
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Error("concurrent refreshes ran separate cycles")
	}
	if cycles := o.Stats().Cycles; cycles != 1 {
		t.Errorf("cycles = %d, want 1", cycles)
	}
}

func TestNewDefaults(t *testing.T) {
	o, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.opts.Executable == "" {
		t.Error("executable not defaulted")
	}
	if len(o.opts.Args) != 1 || o.opts.Args[0] != "worker" {
		t.Errorf("args = %v, want [worker]", o.opts.Args)
	}
	if o.opts.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", o.opts.Timeout, DefaultTimeout)
	}
}
