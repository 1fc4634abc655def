package sandbox

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by an Interpreter after Close.
var ErrClosed = errors.New("sandbox is closed")

// ExecutionError describes generated code that raised, or ran past its deadline.
type ExecutionError struct {
	Exception string // final traceback line, e.g. "KeyError: 'amount'"
	Traceback string
	Stderr    string
	TimedOut  bool
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return "python execution timed out"
	}
	if e.Exception == "" {
		return "python execution failed"
	}
	return fmt.Sprintf("python execution failed: %s", e.Exception)
}

// BlockedError reports code rejected by screening before it reached the worker.
type BlockedError struct {
	Pattern string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("code rejected: matches forbidden pattern %s", e.Pattern)
}

// StartError reports a worker process that could not be launched or did not
// complete its handshake.
type StartError struct {
	Python string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start python worker (%s): %v", e.Python, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
