package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures an Interpreter.
type Options struct {
	// Python is the interpreter binary. Defaults to "python3".
	Python string
	// WorkDir is where generated code runs and writes its artifacts. Required.
	WorkDir string
	// Timeout bounds a single Execute call. Defaults to 60s.
	Timeout time.Duration
	// StartTimeout bounds the worker handshake. Defaults to 30s.
	StartTimeout time.Duration
	// Screener rejects code before execution; nil disables screening.
	Screener *Screener
}

// Result is the outcome of one Execute call.
type Result struct {
	Success   bool
	Stdout    string
	Stderr    string
	Exception string
	Traceback string
	TimedOut  bool
	Duration  time.Duration
}

// Err returns nil for a successful result and an *ExecutionError otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &ExecutionError{Exception: r.Exception, Traceback: r.Traceback, Stderr: r.Stderr, TimedOut: r.TimedOut}
}

// Interpreter is a persistent python worker bound to one session. Globals
// survive between Execute calls. Code registered through Bootstrap is
// replayed whenever the worker has to be restarted.
type Interpreter struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	w         *worker
	bootstrap []string
	closed    bool
}

// New starts the worker process and waits for its handshake.
func New(opts Options, logger *zap.Logger) (*Interpreter, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("sandbox: work dir is required")
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	it := &Interpreter{opts: opts, logger: logger.With(zap.String("workdir", opts.WorkDir))}
	w, err := startWorker(opts.Python, opts.WorkDir, opts.StartTimeout)
	if err != nil {
		return nil, &StartError{Python: opts.Python, Err: err}
	}
	it.w = w
	it.logger.Debug("python worker started", zap.Int("pid", w.cmd.Process.Pid), zap.Any("capabilities", w.caps))
	for _, mod := range requiredModules {
		if !it.Has(mod) {
			it.logger.Warn("python module unavailable; generated charts will fail", zap.String("module", mod), zap.String("python", opts.Python))
		}
	}
	return it, nil
}

// requiredModules are imported by every generated chart program.
var requiredModules = []string{"pandas", "plotly"}

// Has reports whether the worker could import module at startup.
func (it *Interpreter) Has(module string) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.w != nil && it.w.caps[module]
}

// Bootstrap executes code and, when it succeeds, records it for replay after
// a worker restart.
func (it *Interpreter) Bootstrap(ctx context.Context, code string) (Result, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	res, err := it.executeLocked(ctx, code)
	if err == nil && res.Success {
		it.bootstrap = append(it.bootstrap, code)
	}
	return res, err
}

// Execute screens and runs code. A non-nil error means the code never ran to
// completion for reasons outside the code itself (closed sandbox, blocked
// code, cancelled context, worker start failure); code failures are reported
// through Result.
func (it *Interpreter) Execute(ctx context.Context, code string) (Result, error) {
	if err := it.opts.Screener.Check(code); err != nil {
		it.logger.Warn("generated code blocked", zap.Error(err))
		return Result{}, err
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.executeLocked(ctx, code)
}

func (it *Interpreter) executeLocked(ctx context.Context, code string) (Result, error) {
	if it.closed {
		return Result{}, ErrClosed
	}
	if it.w == nil {
		if err := it.respawnLocked(ctx); err != nil {
			return Result{}, err
		}
	}
	start := time.Now()
	if err := it.w.send(code, it.opts.WorkDir); err != nil {
		it.discardLocked("write failed", err)
		return Result{Exception: "worker stopped accepting input", Duration: time.Since(start)}, nil
	}

	timer := time.NewTimer(it.opts.Timeout)
	defer timer.Stop()
	select {
	case rr := <-it.w.lines:
		dur := time.Since(start)
		if rr.err != nil {
			it.discardLocked("worker exited", rr.err)
			return Result{Exception: "python worker exited unexpectedly", Duration: dur}, nil
		}
		var resp workerResponse
		if err := json.Unmarshal(rr.line, &resp); err != nil {
			it.discardLocked("bad response", err)
			return Result{Exception: "unreadable worker response", Duration: dur}, nil
		}
		return Result{
			Success:   resp.Status == "ok",
			Stdout:    resp.Stdout,
			Stderr:    resp.Stderr,
			Exception: resp.Exception,
			Traceback: resp.Traceback,
			Duration:  dur,
		}, nil
	case <-timer.C:
		it.discardLocked("timeout", nil)
		return Result{TimedOut: true, Exception: fmt.Sprintf("TimeoutError: execution exceeded %s", it.opts.Timeout), Duration: time.Since(start)}, nil
	case <-ctx.Done():
		it.discardLocked("cancelled", ctx.Err())
		return Result{}, ctx.Err()
	}
}

// discardLocked kills the current worker; the next call starts a fresh one
// and replays the bootstrap code.
func (it *Interpreter) discardLocked(reason string, err error) {
	if it.w == nil {
		return
	}
	it.logger.Warn("discarding python worker", zap.String("reason", reason), zap.Error(err))
	it.w.kill()
	it.w = nil
}

func (it *Interpreter) respawnLocked(ctx context.Context) error {
	w, err := startWorker(it.opts.Python, it.opts.WorkDir, it.opts.StartTimeout)
	if err != nil {
		return &StartError{Python: it.opts.Python, Err: err}
	}
	it.w = w
	boot := it.bootstrap
	it.bootstrap = nil
	for i, code := range boot {
		res, err := it.executeLocked(ctx, code)
		if err == nil && !res.Success {
			err = res.Err()
		}
		if err != nil {
			it.discardLocked("replay failed", err)
			it.bootstrap = boot
			return fmt.Errorf("replay bootstrap %d: %w", i+1, err)
		}
		it.bootstrap = append(it.bootstrap, code)
	}
	it.logger.Info("python worker restarted", zap.Int("replayed", len(boot)))
	return nil
}

// Close kills the worker. It is safe to call more than once.
func (it *Interpreter) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return nil
	}
	it.closed = true
	if it.w != nil {
		it.w.kill()
		it.w = nil
	}
	return nil
}

// Summary renders a result for logs and journal rows.
func (r Result) Summary() string {
	if r.Success {
		return fmt.Sprintf("ok in %s", r.Duration.Round(time.Millisecond))
	}
	return strings.TrimSpace(r.Err().Error())
}
