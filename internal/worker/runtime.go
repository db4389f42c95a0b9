package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source hands out the providers to scan, minus the disabled ones
type Source interface {
	Isolated(disabled []string) []window.Provider
}

// Runtime runs one worker cycle
type Runtime struct {
	source Source
	store  settings.Store
	log    *zerolog.Logger
}

// New creates a runtime scanning the isolated providers of source, whose
// settings are read from store
func New(source Source, store settings.Store) *Runtime {
	if store == nil {
		store = settings.NewMemoryStore()
	}
	return &Runtime{
		source: source,
		store:  store,
		log:    logger.WithComponent("worker"),
	}
}

// Run reads one request from in and answers on out. The terminator is
// always the last line written; the returned error only reports a broken
// output stream.
func (r *Runtime) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w := newLineWriter(out)

	// A bad request is answered with an error line carrying no plugin
	// name, then the terminator like any other run.
	req, err := readRequest(in)
	if err != nil {
		r.log.Error().Err(err).Msg("Invalid request")
		_ = w.Write(ErrorMessage("", err))
		return r.finish(w)
	}

	if req.Command != CommandScan {
		err := fmt.Errorf("unknown command: %q", req.Command)
		r.log.Error().Err(err).Msg("Invalid request")
		_ = w.Write(ErrorMessage("", err))
		return r.finish(w)
	}

	r.scan(ctx, req, w)
	return r.finish(w)
}

func (r *Runtime) finish(w *lineWriter) error {
	if err := w.Write(Terminator()); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

func (r *Runtime) scan(ctx context.Context, req *Request, w *lineWriter) {
	ps := r.source.Isolated(req.DisabledPlugins)
	r.log.Debug().
		Int("providers", len(ps)).
		Strs("disabled", req.DisabledPlugins).
		Int("excluded", len(req.ExcludedProcesses)).
		Msg("Starting scan")

	var g errgroup.Group
	for _, p := range ps {
		p := p
		g.Go(func() error {
			r.runProvider(ctx, p, req.ExcludedProcesses, w)
			return nil
		})
	}
	_ = g.Wait()
}

// runProvider initializes, scans and reports one provider. Failures only
// ever affect this provider's line.
func (r *Runtime) runProvider(ctx context.Context, p window.Provider, excluded []string, w *lineWriter) {
	name := p.Name()
	log := r.log.With().Str("provider", name).Logger()
	start := time.Now()

	pctx := window.Context{
		Logger:   logger.WithComponent("provider-" + name),
		Settings: settings.ProviderNamespace(r.store, name),
	}
	if err := window.SafeInit(ctx, p, pctx); err != nil {
		log.Warn().Err(err).Msg("Provider init failed")
		_ = w.Write(ErrorMessage(name, err))
		return
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Debug().Err(err).Msg("Provider close failed")
		}
	}()

	p.SetExclusions(excluded)
	items, err := window.SafeScan(ctx, p)
	if err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Provider scan failed")
		_ = w.Write(ErrorMessage(name, err))
		return
	}

	items = window.NewExclusionSet(excluded).Filter(window.Stamp(items, name))
	log.Debug().Int("items", len(items)).Dur("duration", time.Since(start)).Msg("Provider scanned")
	if err := w.Write(ItemsMessage(name, items)); err != nil {
		log.Error().Err(err).Msg("Failed to write result")
	}
}

// readRequest reads and decodes the first stdin line
func readRequest(in io.Reader) (*Request, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read request: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty request")
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &req, nil
}
