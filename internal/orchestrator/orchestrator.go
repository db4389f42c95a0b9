// Package orchestrator runs scan cycles in a child worker process and
// hands the results to the host caches.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bryanchriswhite/switchr/internal/cache"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CycleEnv carries the cycle id into the worker's environment
const CycleEnv = "SWITCHR_CYCLE_ID"

// DefaultTimeout bounds one worker cycle
const DefaultTimeout = 10 * time.Second

// Options configure how the worker is launched
type Options struct {
	// Executable defaults to the running binary
	Executable string
	// Args default to ["worker"]
	Args []string
	// Env is appended to the host environment
	Env     []string
	Timeout time.Duration
}

// Result is a completed cycle
type Result struct {
	CycleID  string
	Messages []worker.Message
	Duration time.Duration
}

// ApplyTo hands every provider's result to its cache. A provider error is
// applied as an empty scan so last-known-good retention decides what stays.
// It returns the number of providers applied.
func (r *Result) ApplyTo(lookup func(provider string) *cache.Cache) int {
	applied := 0
	for _, msg := range r.Messages {
		c := lookup(msg.PluginName)
		if c == nil {
			continue
		}
		var scanErr error
		if msg.Error != nil {
			scanErr = errors.New(*msg.Error)
		}
		c.Apply(msg.Items(), scanErr)
		applied++
	}
	return applied
}

// Stats summarize the orchestrator's history
type Stats struct {
	Cycles       int           `json:"cycles"`
	Failures     int           `json:"failures"`
	LastCycleID  string        `json:"last_cycle_id,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
}

// Orchestrator launches worker processes
type Orchestrator struct {
	opts  Options
	log   *zerolog.Logger
	group singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.Args == nil {
		opts.Args = []string{"worker"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		opts: opts,
		log:  logger.WithComponent("orchestrator"),
	}, nil
}

// Refresh runs one worker cycle. Concurrent callers share the cycle in
// flight and receive the same result.
func (o *Orchestrator) Refresh(ctx context.Context, req worker.Request) (*Result, error) {
	v, err, shared := o.group.Do("scan", func() (interface{}, error) {
		return o.run(ctx, req)
	})
	if shared {
		o.log.Debug().Msg("Joined in-flight worker cycle")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Stats returns a copy of the cycle counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) run(parent context.Context, req worker.Request) (*Result, error) {
	cycleID := uuid.NewString()
	log := o.log.With().Str("cycle", cycleID).Logger()
	start := time.Now()

	res, err := o.spawn(parent, cycleID, req, &log)
	duration := time.Since(start)

	o.mu.Lock()
	o.stats.Cycles++
	o.stats.LastCycleID = cycleID
	o.stats.LastDuration = duration
	o.stats.LastRunAt = start
	if err != nil {
		o.stats.Failures++
		o.stats.LastError = err.Error()
	} else {
		o.stats.LastError = ""
	}
	o.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Dur("duration", duration).Msg("Worker cycle discarded")
		return nil, err
	}

	res.Duration = duration
	log.Debug().
		Int("providers", len(res.Messages)).
		Dur("duration", duration).
		Msg("Worker cycle complete")
	return res, nil
}

func (o *Orchestrator) spawn(parent context.Context, cycleID string, req worker.Request, log *zerolog.Logger) (*Result, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, &WorkerError{Reason: ReasonStart, Err: err}
	}
	line = append(line, '\n')

	ctx, cancel := context.WithTimeout(parent, o.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, o.opts.Executable, o.opts.Args...)
	configureWorkerProcess(cmd)
	cmd.Cancel = func() error { return killWorkerProcess(cmd) }
	cmd.WaitDelay = time.Second
	cmd.Env = append(append(os.Environ(), o.opts.Env...), CycleEnv+"="+cycleID)
	cmd.Stdin = bytes.NewReader(line)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &WorkerError{Reason: ReasonStart, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &WorkerError{Reason: ReasonStart, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &WorkerError{Reason: ReasonStart, Err: err}
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("Worker started")

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		forwardStderr(stderr, log)
	}()

	msgs, decodeErr := Decode(stdout)
	if decodeErr != nil {
		// stop a worker that is talking nonsense
		cancel()
	}
	_, _ = io.Copy(io.Discard, stdout)
	<-stderrDone
	waitErr := cmd.Wait()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil && decodeErr != nil:
		return nil, &WorkerError{Reason: ReasonTimeout, Err: fmt.Errorf("no terminator within %s", o.opts.Timeout)}
	case parent.Err() != nil:
		return nil, &WorkerError{Reason: ReasonCanceled, Err: parent.Err()}
	case decodeErr != nil:
		var werr *WorkerError
		if errors.As(decodeErr, &werr) && werr.Reason == ReasonNoTerminator && waitErr != nil {
			return nil, &WorkerError{Reason: ReasonExit, Err: waitErr}
		}
		return nil, decodeErr
	}

	if waitErr != nil {
		// exit status is not part of the protocol
		log.Debug().Err(waitErr).Msg("Worker exited with error after terminator")
	}
	return &Result{CycleID: cycleID, Messages: msgs}, nil
}

// forwardStderr copies the worker's log lines into the host log
func forwardStderr(r io.Reader, log *zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if json.Valid(line) {
			log.Debug().RawJSON("worker", append([]byte(nil), line...)).Msg("Worker log")
		} else {
			log.Debug().Str("worker", string(line)).Msg("Worker log")
		}
	}
}
