package sandbox

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// workerScript runs inside python3 -c. It answers one JSON line per request
// line and keeps a single globals dict so names bound by earlier requests
// (the loaded DataFrames) stay visible to later ones.
const workerScript = `
import base64
import io
import json
import os
import sys
import traceback
import warnings
from contextlib import redirect_stdout, redirect_stderr

try:
    import matplotlib
    matplotlib.use('Agg')
except Exception:
    pass

caps = {}
for _mod in ('pandas', 'plotly'):
    try:
        __import__(_mod)
        caps[_mod] = True
    except Exception:
        caps[_mod] = False

env = {'__name__': '__main__'}
out = sys.__stdout__


def reply(obj):
    out.write(json.dumps(obj) + '\n')
    out.flush()


reply({'status': 'ready', 'capabilities': caps})

while True:
    line = sys.stdin.readline()
    if not line:
        break
    try:
        req = json.loads(line)
        code = base64.b64decode(req['code']).decode('utf-8')
        if req.get('workdir'):
            os.chdir(req['workdir'])
    except Exception as e:
        reply({'status': 'error', 'exception': 'ProtocolError: %s' % e})
        continue
    so, se = io.StringIO(), io.StringIO()
    try:
        with redirect_stdout(so), redirect_stderr(se), warnings.catch_warnings():
            warnings.simplefilter('ignore')
            exec(compile(code, '<generated>', 'exec'), env)
        reply({'status': 'ok', 'stdout': so.getvalue(), 'stderr': se.getvalue()})
    except BaseException as e:
        reply({
            'status': 'error',
            'stdout': so.getvalue(),
            'stderr': se.getvalue(),
            'exception': traceback.format_exception_only(type(e), e)[-1].strip(),
            'traceback': traceback.format_exc(),
        })
`

type workerRequest struct {
	Code    string `json:"code"`
	WorkDir string `json:"workdir,omitempty"`
}

type workerResponse struct {
	Status       string          `json:"status"`
	Stdout       string          `json:"stdout"`
	Stderr       string          `json:"stderr"`
	Exception    string          `json:"exception"`
	Traceback    string          `json:"traceback"`
	Capabilities map[string]bool `json:"capabilities"`
}

type readResult struct {
	line []byte
	err  error
}

// worker is one live python process. Its stdout is drained by a single
// goroutine so a timed-out request never leaves a reader behind.
type worker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan readResult
	readerQ chan struct{}
	caps    map[string]bool
}

func startWorker(python, workdir string, handshake time.Duration) (*worker, error) {
	cmd := exec.Command(python, "-c", workerScript)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"MPLBACKEND=Agg",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, err
	}
	w := &worker{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan readResult, 1),
		readerQ: make(chan struct{}),
	}
	go w.readLoop(bufio.NewReaderSize(stdout, 64<<10))

	timer := time.NewTimer(handshake)
	defer timer.Stop()
	select {
	case rr := <-w.lines:
		if rr.err != nil {
			w.kill()
			return nil, fmt.Errorf("handshake: %w", rr.err)
		}
		var resp workerResponse
		if err := json.Unmarshal(rr.line, &resp); err != nil || resp.Status != "ready" {
			w.kill()
			return nil, fmt.Errorf("handshake: unexpected greeting %q", truncate(string(rr.line), 200))
		}
		w.caps = resp.Capabilities
	case <-timer.C:
		w.kill()
		return nil, errors.New("handshake timed out")
	}
	return w, nil
}

func (w *worker) readLoop(r *bufio.Reader) {
	defer close(w.readerQ)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			w.lines <- readResult{err: err}
			return
		}
		w.lines <- readResult{line: line}
	}
}

func (w *worker) send(code, workdir string) error {
	req, err := json.Marshal(workerRequest{
		Code:    base64.StdEncoding.EncodeToString([]byte(code)),
		WorkDir: workdir,
	})
	if err != nil {
		return err
	}
	req = append(req, '\n')
	_, err = w.stdin.Write(req)
	return err
}

// kill terminates the process and reaps it once the reader has drained.
func (w *worker) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	go func() {
		for {
			select {
			case <-w.lines:
			case <-w.readerQ:
				_ = w.cmd.Wait()
				return
			}
		}
	}()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
