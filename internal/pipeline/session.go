// Package pipeline drives one user session: data loading, metadata, and the
// bounded generate/execute loop that turns questions into charts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/codegen"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/journal"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/sandbox"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/utils"
)

// MaxAttemptsCap bounds the attempts spent on one query.
const MaxAttemptsCap = 5

// Chains is the pair of model-backed callables a session needs.
type Chains interface {
	Query(ctx context.Context, query, domain, metadata string) (string, error)
	Metadata(ctx context.Context, attributeInfo string) (string, error)
	// Usage is the running token count across both chains.
	Usage() chain.Usage
}

// Sandbox executes generated code with persistent globals. The working
// directory it writes artifacts to is the session directory.
type Sandbox interface {
	Bootstrap(ctx context.Context, code string) (sandbox.Result, error)
	Execute(ctx context.Context, code string) (sandbox.Result, error)
	Close() error
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, r journal.Run) (string, error)
}

// Deps are the collaborators a session is built from.
type Deps struct {
	// NewSandbox starts an interpreter rooted at workdir.
	NewSandbox func(workdir string) (Sandbox, error)
	// BuildChains constructs the query and metadata chains.
	BuildChains func(ctx context.Context) (Chains, error)
	// Journal is optional.
	Journal Recorder
	Logger  *zap.Logger
}

// Options tunes a session.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Render      codegen.RenderOptions
	// Model names the configured model for context-window checks.
	Model string
	// ContextReserve is the token budget kept free for the question and answer.
	ContextReserve int
	// MessageLimit caps surfaced error text, in runes.
	MessageLimit int
	// TempRoot is the parent of the session directory; empty uses os.TempDir.
	TempRoot string
	Ingest   ingest.Options
}

// DefaultOptions returns the standard retry budget and rendering.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    MaxAttemptsCap,
		RetryDelay:     200 * time.Millisecond,
		Render:         codegen.DefaultRenderOptions(),
		ContextReserve: 1024,
		MessageLimit:   300,
		Ingest:         ingest.DefaultOptions(),
	}
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 || o.MaxAttempts > MaxAttemptsCap {
		o.MaxAttempts = MaxAttemptsCap
	}
	if o.RetryDelay < time.Millisecond {
		o.RetryDelay = time.Millisecond
	}
	if o.Render.IncludePlotlyJS == "" {
		o.Render = codegen.DefaultRenderOptions()
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 300
	}
	if o.Ingest.MaxRows == 0 && o.Ingest.SampleRows == 0 {
		o.Ingest = ingest.DefaultOptions()
	}
	return o
}

// Session is one user's isolated pipeline. Calls are serialized.
type Session struct {
	id     string
	opts   Options
	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	dir        string
	sb         Sandbox
	chains     Chains
	gen        *codegen.Generator
	dataset    *ingest.Dataset
	domain     string
	metadata   any
	metaEdited bool
	ready      bool
	closed     bool
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID             string   `json:"id"`
	Ready          bool     `json:"ready"`
	Closed         bool     `json:"closed"`
	Domain         string   `json:"domain,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	Metadata       any      `json:"metadata,omitempty"`
	MetadataEdited bool     `json:"metadata_edited"`
}

// NewSession creates a session and its private temp directory.
func NewSession(opts Options, deps Deps) (*Session, error) {
	if deps.NewSandbox == nil || deps.BuildChains == nil {
		return nil, errors.New("pipeline: NewSandbox and BuildChains are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	dir, err := os.MkdirTemp(opts.TempRoot, "analyticshub-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Session{
		id:     id,
		opts:   opts.normalized(),
		deps:   deps,
		logger: logger.With(zap.String("session", id)),
		dir:    dir,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's working directory.
func (s *Session) Dir() string { return s.dir }

// Ready reports whether LoadData completed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.id,
		Ready:          s.ready,
		Closed:         s.closed,
		Domain:         s.domain,
		Metadata:       s.metadata,
		MetadataEdited: s.metaEdited,
	}
	if s.dataset != nil {
		snap.Tables = s.dataset.Tables()
	}
	return snap
}

// LoadData validates the uploads, binds them in a fresh sandbox, and settles
// the metadata: parsed from metadataJSON when given, otherwise derived by the
// metadata chain. Any failure leaves the session not ready.
func (s *Session) LoadData(ctx context.Context, files []ingest.UploadedFile, metadataJSON []byte, domain string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.ready {
		return nil, ErrAlreadyLoaded
	}
	start := time.Now()

	ds, err := ingest.Prepare(files, s.opts.Ingest)
	if err != nil {
		s.logger.Warn("ingest failed", zap.Error(err))
		return nil, err
	}
	var md any
	supplied := len(metadataJSON) > 0
	if supplied {
		if md, err = ingest.ParseMetadataBytes(metadataJSON); err != nil {
			return nil, err
		}
	}

	chains, err := s.deps.BuildChains(ctx)
	if err != nil {
		return nil, err
	}
	sb, err := s.deps.NewSandbox(s.dir)
	if err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	fail := func(err error) (any, error) {
		_ = sb.Close()
		return nil, err
	}
	res, err := sb.Bootstrap(ctx, ds.LoaderCode())
	if err != nil {
		return fail(fmt.Errorf("load tables: %w", err))
	}
	if !res.Success {
		return fail(fmt.Errorf("load tables: %w", res.Err()))
	}

	if !supplied {
		info := s.fitAttributes(ds.AttributeInfo())
		raw, err := chains.Metadata(ctx, info)
		if err != nil {
			return fail(err)
		}
		if md, err = ingest.ParseMetadataText(raw); err != nil {
			return fail(err)
		}
	}

	s.dataset = ds
	s.chains = chains
	s.gen = codegen.NewGenerator(chains, s.opts.Render, s.logger)
	s.sb = sb
	s.domain = domain
	s.metadata = md
	s.ready = true
	s.logger.Info("session ready",
		zap.Strings("tables", ds.Tables()),
		zap.Bool("metadata_supplied", supplied),
		zap.Duration("elapsed", time.Since(start)))
	return md, nil
}

// fitAttributes trims the attribute summary when it would overflow the
// configured model's context window.
func (s *Session) fitAttributes(info string) string {
	tokens := utils.CountTokens(info)
	fits, limit := ai.FitsContext(s.opts.Model, tokens, s.opts.ContextReserve)
	if fits {
		return info
	}
	keep := limit - s.opts.ContextReserve
	if keep < limit/4 {
		keep = limit / 4
	}
	s.logger.Warn("attribute summary exceeds model context; truncating",
		zap.String("model", s.opts.Model), zap.Int("tokens", tokens), zap.Int("limit", limit), zap.Int("keep", keep))
	return utils.TruncateToTokenLimit(info, keep)
}

// UpdateMetadata replaces the metadata with a hand-edited JSON document. It
// succeeds once per session; invalid text does not use up the edit.
func (s *Session) UpdateMetadata(text string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.ready {
		return nil, ErrNotReady
	}
	if s.metaEdited {
		return nil, ErrMetadataLocked
	}
	md, err := ingest.ParseMetadataEdit(text)
	if err != nil {
		return nil, err
	}
	s.metadata = md
	s.metaEdited = true
	s.logger.Info("metadata edited", zap.Int("bytes", len(text)))
	return md, nil
}

// Close stops the sandbox and removes the session directory. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ready = false
	var errs []error
	if s.sb != nil {
		if err := s.sb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sandbox: %w", err))
		}
		s.sb = nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove session dir: %w", err))
	}
	s.logger.Debug("session closed")
	return errors.Join(errs...)
}
