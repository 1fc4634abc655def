package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chzyer/readline"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
)

type fakeChatSession struct {
	outcomes []*pipeline.Outcome
	asked    []string
	edits    []string
	editErr  error
	snap     pipeline.Snapshot
}

func (f *fakeChatSession) Ask(_ context.Context, q string) (*pipeline.Outcome, error) {
	f.asked = append(f.asked, q)
	if pipeline.IsExit(q) {
		return &pipeline.Outcome{Query: q, State: pipeline.StateExit}, nil
	}
	if len(f.outcomes) == 0 {
		return nil, pipeline.ErrClosed
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out, nil
}

func (f *fakeChatSession) UpdateMetadata(text string) (any, error) {
	f.edits = append(f.edits, text)
	if f.editErr != nil {
		return nil, f.editErr
	}
	return map[string]any{"edited": true}, nil
}

func (f *fakeChatSession) Snapshot() pipeline.Snapshot { return f.snap }

type scriptedReader struct {
	lines []string
	errs  map[int]error
	n     int
}

func (r *scriptedReader) Readline() (string, error) {
	i := r.n
	r.n++
	if err, ok := r.errs[i]; ok {
		return "", err
	}
	if i >= len(r.lines) {
		return "", io.EOF
	}
	return r.lines[i], nil
}

func newTestLoop(t *testing.T, sess chatSession) (*chatLoop, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	return &chatLoop{sess: sess, out: &out, errOut: &errOut, outDir: t.TempDir()}, &out, &errOut
}

func TestChatLoopWritesChartAndExits(t *testing.T) {
	sess := &fakeChatSession{outcomes: []*pipeline.Outcome{{
		State:    pipeline.StateSuccess,
		Attempts: 2,
		HTML:     `<div id="chart">plot</div>`,
		Code:     "fig.write_html('x.html')",
		Usage:    chain.Usage{PromptTokens: 1200, CompletionTokens: 300},
		CostUSD:  0.00094,
	}}}
	loop, out, _ := newTestLoop(t, sess)
	rd := &scriptedReader{lines: []string{"", "plot sales by month", "EXIT", "never read"}}

	if err := loop.run(context.Background(), rd); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sess.asked) != 2 {
		t.Fatalf("asked=%v", sess.asked)
	}
	b, err := os.ReadFile(filepath.Join(loop.outDir, "chart-001.html"))
	if err != nil {
		t.Fatalf("chart not written: %v", err)
	}
	if !strings.Contains(string(b), `<div id="chart">plot</div>`) || !strings.Contains(string(b), "<title>plot sales by month</title>") {
		t.Fatalf("unexpected page: %s", b)
	}
	if !strings.Contains(out.String(), "tokens: 1200 in / 300 out, est. cost $0.0009") {
		t.Fatalf("usage line missing: %s", out.String())
	}
	if !strings.Contains(out.String(), "attempts: 2") || !strings.Contains(out.String(), "Session closed") {
		t.Fatalf("output: %s", out.String())
	}
	if loop.lastCode != "fig.write_html('x.html')" {
		t.Fatalf("lastCode=%q", loop.lastCode)
	}
}

func TestChatLoopReportsFailure(t *testing.T) {
	sess := &fakeChatSession{outcomes: []*pipeline.Outcome{{
		State:    pipeline.StateExhaustedRetries,
		Attempts: 5,
		Message:  "NameError: name 'dfx' is not defined",
	}}}
	loop, _, errOut := newTestLoop(t, sess)
	done := loop.handle(context.Background(), "plot it")
	if done {
		t.Fatalf("failure should not end the loop")
	}
	if !strings.Contains(errOut.String(), "No chart after 5 attempt(s): NameError") {
		t.Fatalf("stderr: %s", errOut.String())
	}
	entries, _ := os.ReadDir(loop.outDir)
	if len(entries) != 0 {
		t.Fatalf("no chart expected, found %d files", len(entries))
	}
}

func TestChatLoopInterruptAndEOF(t *testing.T) {
	sess := &fakeChatSession{}
	loop, _, _ := newTestLoop(t, sess)
	rd := &scriptedReader{errs: map[int]error{0: readline.ErrInterrupt}}
	if err := loop.run(context.Background(), rd); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rd.n != 2 || len(sess.asked) != 0 {
		t.Fatalf("reads=%d asked=%v", rd.n, sess.asked)
	}
}

func TestChatLoopReaderError(t *testing.T) {
	loop, _, _ := newTestLoop(t, &fakeChatSession{})
	boom := errors.New("terminal gone")
	rd := &scriptedReader{errs: map[int]error{0: boom}}
	if err := loop.run(context.Background(), rd); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestChatLoopClosedSessionStops(t *testing.T) {
	loop, _, _ := newTestLoop(t, &fakeChatSession{})
	if !loop.handle(context.Background(), "anything") {
		t.Fatalf("closed session should end the loop")
	}
}

func TestChatDotCommands(t *testing.T) {
	sess := &fakeChatSession{snap: pipeline.Snapshot{
		Tables:   []string{"sales", "stores"},
		Metadata: map[string]any{"sales": map[string]any{"amount": "order value"}},
	}}
	loop, out, errOut := newTestLoop(t, sess)

	loop.dotCommand(".tables")
	loop.dotCommand(".metadata")
	loop.dotCommand(".code")
	loop.dotCommand(`.edit {"sales": {}}`)
	loop.dotCommand(".bogus")

	s := out.String()
	for _, want := range []string{"sales\nstores", `"amount": "order value"`, "no code generated yet", "Metadata updated"} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in %s", want, s)
		}
	}
	if len(sess.edits) != 1 || sess.edits[0] != `{"sales": {}}` {
		t.Fatalf("edits=%v", sess.edits)
	}
	if !strings.Contains(errOut.String(), "Unknown command .bogus") {
		t.Fatalf("stderr: %s", errOut.String())
	}

	sess.editErr = pipeline.ErrMetadataLocked
	loop.dotCommand(`.edit {}`)
	if !strings.Contains(errOut.String(), pipeline.ErrMetadataLocked.Error()) {
		t.Fatalf("stderr: %s", errOut.String())
	}
}

func TestReadUploadFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sales.csv")
	if err := os.WriteFile(p, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := readUploadFiles([]string{p})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "sales.csv" || string(files[0].Content) != "a,b\n1,2\n" {
		t.Fatalf("files=%+v", files)
	}
	if _, err := readUploadFiles([]string{filepath.Join(dir, "missing.csv")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
