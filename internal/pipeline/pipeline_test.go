package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/journal"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/sandbox"
)

const salesCSV = "date,amount\n2024-01-01,10\n2024-01-02,12.5\n2024-01-03,9\n"

const lineChartResponse = "Here is the chart:\n```python\nimport plotly.express as px\nfig = px.line(sales, x='date', y='amount')\nfig.show()\n```\n"

const chartHTML = `<div id="c" class="plotly-graph-div"></div><script>Plotly.newPlot("c", [{"type":"scatter","mode":"lines","x":["2024-01-01"],"y":[10]}])</script>`

type fakeChains struct {
	mu           sync.Mutex
	responses    []string
	queryErr     error
	queries      int
	metaCalls    int
	metaResponse string
	lastAttr     string
	lastMetadata string
	usage        chain.Usage
}

// tokens charged by the fake per invocation
var callUsage = chain.Usage{PromptTokens: 1000, CompletionTokens: 200}

func (f *fakeChains) Usage() chain.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage
}

func (f *fakeChains) charge() {
	f.usage.PromptTokens += callUsage.PromptTokens
	f.usage.CompletionTokens += callUsage.CompletionTokens
}

func (f *fakeChains) Query(_ context.Context, _, _, metadata string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.lastMetadata = metadata
	f.charge()
	if f.queryErr != nil {
		return "", f.queryErr
	}
	i := f.queries - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeChains) Metadata(_ context.Context, attributeInfo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	f.lastAttr = attributeInfo
	f.charge()
	return f.metaResponse, nil
}

var artifactName = regexp.MustCompile(`write_html\('([^']+)'`)

type fakeSandbox struct {
	mu      sync.Mutex
	dir     string
	boot    []string
	execs   []string
	bootRes *sandbox.Result

	// script decides the n-th execution (1-based); nil means success.
	script    func(n int) (sandbox.Result, error)
	skipWrite bool
	closed    bool
}

func (f *fakeSandbox) Bootstrap(_ context.Context, code string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot = append(f.boot, code)
	if f.bootRes != nil {
		return *f.bootRes, nil
	}
	return sandbox.Result{Success: true}, nil
}

func (f *fakeSandbox) Execute(ctx context.Context, code string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, code)
	if err := ctx.Err(); err != nil {
		return sandbox.Result{}, err
	}
	res := sandbox.Result{Success: true}
	if f.script != nil {
		var err error
		if res, err = f.script(len(f.execs)); err != nil || !res.Success {
			return res, err
		}
	}
	if m := artifactName.FindStringSubmatch(code); m != nil && !f.skipWrite {
		if err := os.WriteFile(filepath.Join(f.dir, m[1]), []byte(chartHTML), 0o644); err != nil {
			return sandbox.Result{}, err
		}
	}
	return res, nil
}

func (f *fakeSandbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type memJournal struct{ runs []journal.Run }

func (m *memJournal) Record(_ context.Context, r journal.Run) (string, error) {
	m.runs = append(m.runs, r)
	return "id", nil
}

type harness struct {
	sess       *Session
	chains     *fakeChains
	sb         *fakeSandbox
	journal    *memJournal
	chainBuilt int
}

func newHarness(t *testing.T, opts Options, responses ...string) *harness {
	t.Helper()
	h := &harness{
		chains:  &fakeChains{responses: responses, metaResponse: "```json\n{\"sales\": {\"amount\": \"revenue in USD\"}}\n```"},
		sb:      &fakeSandbox{},
		journal: &memJournal{},
	}
	opts.TempRoot = t.TempDir()
	opts.RetryDelay = time.Millisecond
	sess, err := NewSession(opts, Deps{
		NewSandbox: func(workdir string) (Sandbox, error) {
			h.sb.dir = workdir
			return h.sb, nil
		},
		BuildChains: func(context.Context) (Chains, error) {
			h.chainBuilt++
			return h.chains, nil
		},
		Journal: h.journal,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	h.sess = sess
	return h
}

func salesFiles() []ingest.UploadedFile {
	return []ingest.UploadedFile{{Filename: "sales.csv", Content: []byte(salesCSV)}}
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	_, err := h.sess.LoadData(context.Background(), salesFiles(), nil, "retail sales")
	require.NoError(t, err)
}

func htmlFiles(t *testing.T, dir string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(dir, "*.html"))
	require.NoError(t, err)
	return m
}

func TestAskProducesChartAndRemovesArtifact(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)

	out, err := h.sess.Ask(context.Background(), "plot amount over time")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, out.State)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, out.HTML, `"type":"scatter"`)
	assert.Contains(t, out.HTML, `"mode":"lines"`)
	require.NotNil(t, out.Artifact)
	assert.Contains(t, out.Code, "fig.write_html('"+out.Artifact.Filename+"'")
	assert.NotContains(t, out.Code, "fig.show()")

	_, statErr := os.Stat(filepath.Join(h.sess.Dir(), out.Artifact.Filename))
	assert.True(t, os.IsNotExist(statErr), "artifact must be removed after reading")
	assert.Empty(t, htmlFiles(t, h.sess.Dir()))

	require.Len(t, h.journal.runs, 1)
	assert.Equal(t, "success", h.journal.runs[0].State)
	assert.Equal(t, out.Artifact.Filename, h.journal.runs[0].Artifact)
}

func TestOutcomeUsageCoversOnlyThisQuery(t *testing.T) {
	opts := DefaultOptions()
	opts.Model = "llama-3.3-70b-versatile"
	h := newHarness(t, opts, "no code here", lineChartResponse)
	h.load(t)
	require.Equal(t, 1, h.chains.metaCalls)

	out, err := h.sess.Ask(context.Background(), "plot amount over time")
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, chain.Usage{PromptTokens: 2000, CompletionTokens: 400}, out.Usage)
	assert.InDelta(t, 2*0.00059+0.4*0.00079, out.CostUSD, 1e-9)

	opts.Model = "not-in-catalog"
	h = newHarness(t, opts, lineChartResponse)
	h.load(t)
	out, err = h.sess.Ask(context.Background(), "plot amount")
	require.NoError(t, err)
	assert.Equal(t, 1200, out.Usage.Total())
	assert.Zero(t, out.CostUSD)
}

func TestLoadDataBootstrapsTablesAndDerivesMetadata(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	md, err := h.sess.LoadData(context.Background(), salesFiles(), nil, "retail sales")
	require.NoError(t, err)

	assert.True(t, h.sess.Ready())
	assert.Equal(t, 1, h.chains.metaCalls)
	assert.Contains(t, h.chains.lastAttr, "DATAFRAME NAME: sales")
	assert.Contains(t, md, "sales")
	require.Len(t, h.sb.boot, 1)
	assert.Contains(t, h.sb.boot[0], "sales = pd.read_csv(")

	snap := h.sess.Snapshot()
	assert.Equal(t, []string{"sales"}, snap.Tables)
	assert.Equal(t, "retail sales", snap.Domain)

	_, err = h.sess.LoadData(context.Background(), salesFiles(), nil, "again")
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestLoadDataAcceptsNonObjectMetadata(t *testing.T) {
	for _, doc := range []string{`["amount", "date"]`, `null`, `"daily sales"`} {
		h := newHarness(t, DefaultOptions())
		_, err := h.sess.LoadData(context.Background(), salesFiles(), []byte(doc), "retail")
		require.NoError(t, err, doc)
		assert.Equal(t, 0, h.chains.metaCalls, doc)
		assert.JSONEq(t, doc, ingest.MetadataJSON(h.sess.Snapshot().Metadata))
	}
}

func TestLoadDataWithSuppliedMetadataSkipsMetadataChain(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	md, err := h.sess.LoadData(context.Background(), salesFiles(), []byte(`{"amount": "daily revenue"}`), "retail")
	require.NoError(t, err)
	assert.Equal(t, 0, h.chains.metaCalls)
	assert.Equal(t, map[string]any{"amount": "daily revenue"}, md)

	_, err = h.sess.Ask(context.Background(), "plot amount")
	require.NoError(t, err)
	assert.Contains(t, h.chains.lastMetadata, "daily revenue")
}

func TestLoadDataRejectsBadMetadata(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	_, err := h.sess.LoadData(context.Background(), salesFiles(), []byte("not json"), "retail")
	var mfe *ingest.MetadataFormatError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "upload", mfe.Source)
	assert.False(t, h.sess.Ready())
}

func TestMalformedCSVKeepsSessionNotReady(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	bad := []ingest.UploadedFile{{Filename: "broken.csv", Content: []byte("a,b\n1,2\n3,4,5\n")}}
	_, err := h.sess.LoadData(context.Background(), bad, nil, "x")

	var dfe *ingest.DataFormatError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, "broken.csv", dfe.File)
	assert.False(t, h.sess.Ready())
	assert.Equal(t, 0, h.chainBuilt)
	assert.Empty(t, h.sb.boot)

	_, err = h.sess.Ask(context.Background(), "plot a")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 0, h.chains.queries)
}

func TestLoadDataBootstrapFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.sb.bootRes = &sandbox.Result{Exception: "ModuleNotFoundError: No module named 'pandas'"}
	_, err := h.sess.LoadData(context.Background(), salesFiles(), nil, "retail")

	var ee *sandbox.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.False(t, h.sess.Ready())
	assert.True(t, h.sb.closed)
}

func TestNotReadyOperations(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	_, err := h.sess.GenerateGraph(context.Background(), "plot")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.sess.UpdateMetadata(`{"a": 1}`)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 0, h.chains.queries)
}

func TestEmptyQuery(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	_, err := h.sess.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestUpdateMetadataOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)

	_, err := h.sess.UpdateMetadata("{broken")
	var mfe *ingest.MetadataFormatError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "edit", mfe.Source)

	md, err := h.sess.UpdateMetadata(`{"amount": "net sales"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": "net sales"}, md)
	assert.True(t, h.sess.Snapshot().MetadataEdited)

	_, err = h.sess.UpdateMetadata(`{"amount": "gross"}`)
	assert.ErrorIs(t, err, ErrMetadataLocked)
	assert.Equal(t, map[string]any{"amount": "net sales"}, h.sess.Snapshot().Metadata)
}

func TestExitVariantsCloseWithoutInvokingChain(t *testing.T) {
	for _, q := range []string{"exit", "Exit", "EXIT", "  exit \n"} {
		t.Run(strings.TrimSpace(q), func(t *testing.T) {
			h := newHarness(t, DefaultOptions(), lineChartResponse)
			h.load(t)
			dir := h.sess.Dir()

			out, err := h.sess.Ask(context.Background(), q)
			require.NoError(t, err)
			assert.Equal(t, StateExit, out.State)
			assert.Equal(t, 0, h.chains.queries)
			assert.True(t, h.sb.closed)
			_, statErr := os.Stat(dir)
			assert.True(t, os.IsNotExist(statErr))

			_, err = h.sess.Ask(context.Background(), "plot amount")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestMalformedResponsesExhaustFiveAttempts(t *testing.T) {
	h := newHarness(t, DefaultOptions(), "I cannot draw that.")
	h.load(t)

	out, err := h.sess.Ask(context.Background(), "plot amount")
	require.NoError(t, err)
	assert.Equal(t, StateExhaustedRetries, out.State)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, h.chains.queries)
	require.Len(t, out.Failures, 5)
	for i, f := range out.Failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, KindMalformed, f.Kind)
	}
	assert.Contains(t, out.Message, "malformed model response")
	assert.Empty(t, h.sb.execs)
}

func TestMaxAttemptsIsCapped(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 12
	h := newHarness(t, opts, "no code here")
	h.load(t)

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, MaxAttemptsCap, out.Attempts)
	assert.Equal(t, MaxAttemptsCap, h.chains.queries)
}

func TestSmallerBudgetIsHonoured(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 2
	h := newHarness(t, opts, "no code here")
	h.load(t)

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecutionErrorsAreRetriedThenSucceed(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.sb.script = func(n int) (sandbox.Result, error) {
		if n <= 2 {
			return sandbox.Result{Exception: "KeyError: 'amount'", Traceback: "Traceback (most recent call last):\nKeyError: 'amount'"}, nil
		}
		return sandbox.Result{Success: true}, nil
	}

	out, err := h.sess.Ask(context.Background(), "plot amount")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, out.State)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, KindExecution, out.Failures[0].Kind)
	assert.Contains(t, out.Failures[0].Message, "KeyError: 'amount'")
	assert.Empty(t, htmlFiles(t, h.sess.Dir()))
}

func TestMissingArtifactCountsAsExecutionFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.sb.skipWrite = true

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, StateExhaustedRetries, out.State)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, KindExecution, out.Failures[0].Kind)
	assert.Contains(t, out.Message, "was not written")
}

func TestTimeoutsAndBlockedCodeAreRetryable(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.sb.script = func(n int) (sandbox.Result, error) {
		switch n {
		case 1:
			return sandbox.Result{TimedOut: true}, nil
		case 2:
			return sandbox.Result{}, &sandbox.BlockedError{Pattern: "subprocess"}
		}
		return sandbox.Result{Success: true}, nil
	}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, out.State)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, KindTimeout, out.Failures[0].Kind)
	assert.Equal(t, KindBlocked, out.Failures[1].Kind)
}

func TestPermanentInvocationErrorAborts(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.chains.queryErr = &chain.InvocationError{Chain: "query", Err: &ai.AuthError{APIError: &ai.APIError{StatusCode: 401, Message: "bad key"}}}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, StateExhaustedRetries, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, KindInvocation, out.Failures[0].Kind)
	assert.Contains(t, out.Message, "authentication failed")
}

func TestChatModelAuthFailureAborts(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.chains.queryErr = &chain.InvocationError{Chain: "query",
		Err: errors.New("failed to create chat completion: error, status code: 401, status: 401 Unauthorized, message: Invalid API Key")}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, h.chains.queries)
	assert.Equal(t, KindInvocation, out.Failures[0].Kind)
}

func TestTransientInvocationErrorRetries(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.chains.queryErr = &chain.InvocationError{Chain: "query", Err: &ai.ServerError{APIError: &ai.APIError{StatusCode: 502}}}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, h.chains.queries)
}

func TestUnknownErrorsAbort(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	h.sb.script = func(int) (sandbox.Result, error) {
		return sandbox.Result{}, &sandbox.StartError{Python: "python3", Err: errors.New("exec: not found")}
	}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, StateExhaustedRetries, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, KindFatal, out.Failures[0].Kind)
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.sess.Ask(ctx, "plot")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	assert.Equal(t, StateExhaustedRetries, out.State)
	assert.Equal(t, 0, h.chains.queries)
}

func TestFailureMessagesHideWorkdir(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	dir := h.sess.Dir()
	h.sb.script = func(int) (sandbox.Result, error) {
		return sandbox.Result{Exception: "FileNotFoundError: " + filepath.Join(dir, "x.csv")}, nil
	}

	out, err := h.sess.Ask(context.Background(), "plot")
	require.NoError(t, err)
	assert.NotContains(t, out.Message, dir)
	assert.Contains(t, out.Message, "<workdir>")
	require.Len(t, h.journal.runs, 1)
	assert.Len(t, h.journal.runs[0].Failures, 5)
	assert.Equal(t, "exhausted_retries", h.journal.runs[0].State)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions(), lineChartResponse)
	h.load(t)
	require.NoError(t, h.sess.Close())
	require.NoError(t, h.sess.Close())
	_, err := h.sess.LoadData(context.Background(), salesFiles(), nil, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.sess.UpdateMetadata(`{}`)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSanitize(t *testing.T) {
	tb := "Traceback (most recent call last):\n  File \"/tmp/s1/x.py\", line 3, in <module>\nKeyError: 'amount'\n"
	assert.Equal(t, "KeyError: 'amount'", Sanitize(tb, "/tmp/s1", 0))
	assert.Equal(t, "open <workdir>/a.html failed", Sanitize("open /tmp/s1/a.html failed", "/tmp/s1", 0))
	assert.Equal(t, "abc...", Sanitize("abcdef", "", 3))
	assert.Equal(t, "plain", Sanitize("  plain \n", "", 10))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "generating", StateGenerating.String())
	assert.Equal(t, "exhausted_retries", StateExhaustedRetries.String())
	assert.Equal(t, "exit", StateExit.String())
	assert.True(t, IsExit(" EXIT "))
	assert.False(t, IsExit("exit now"))
}
