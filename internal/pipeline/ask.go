package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/codegen"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/journal"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/sandbox"
)

// Ask handles one line of user input. The exit command closes the session
// without touching the model; anything else runs GenerateGraph.
func (s *Session) Ask(ctx context.Context, query string) (*Outcome, error) {
	if IsExit(query) {
		if err := s.Close(); err != nil {
			s.logger.Warn("close on exit", zap.Error(err))
		}
		return &Outcome{Query: strings.TrimSpace(query), State: StateExit, Message: "session closed"}, nil
	}
	return s.GenerateGraph(ctx, query)
}

// GenerateGraph runs up to MaxAttempts rounds of generate, extract and
// execute. The returned Outcome is always terminal; the error is non-nil only
// for precondition failures and cancellation.
func (s *Session) GenerateGraph(ctx context.Context, query string) (*Outcome, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.ready {
		return nil, ErrNotReady
	}

	start := time.Now()
	out := &Outcome{Query: q, State: StateInit}
	metadata := ingest.MetadataJSON(s.metadata)
	log := s.logger.With(zap.String("query", q))
	usageBefore := s.chains.Usage()

	backoff := retry.WithMaxRetries(uint64(s.opts.MaxAttempts-1), retry.NewConstant(s.opts.RetryDelay))
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out.Attempts++
		out.State = StateGenerating
		html, art, err := s.attempt(ctx, out, q, metadata)
		if err == nil {
			out.State = StateSuccess
			out.HTML = html
			out.Artifact = art
			return nil
		}
		lastErr = err
		kind, retryable := classify(ctx, err)
		f := AttemptFailure{Attempt: out.Attempts, Kind: kind, Message: Sanitize(err.Error(), s.dir, s.opts.MessageLimit)}
		out.Failures = append(out.Failures, f)
		log.Warn("attempt failed",
			zap.Int("attempt", f.Attempt),
			zap.Int("max_attempts", s.opts.MaxAttempts),
			zap.String("kind", kind),
			zap.String("message", f.Message))
		if retryable {
			return retry.RetryableError(err)
		}
		return err
	})
	out.Duration = time.Since(start)

	if err != nil {
		out.State = StateExhaustedRetries
		if lastErr == nil {
			lastErr = err
		}
		out.Err = lastErr
		out.Message = Sanitize(lastErr.Error(), s.dir, s.opts.MessageLimit)
	}
	if out.Artifact != nil {
		out.Code = out.Artifact.Code
	}
	out.Usage = s.chains.Usage().Sub(usageBefore)
	if cost, ok := ai.EstimateCostUSD(s.opts.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens); ok {
		out.CostUSD = cost
	}
	log.Info("query finished",
		zap.String("state", out.State.String()),
		zap.Int("attempts", out.Attempts),
		zap.Int("tokens", out.Usage.Total()),
		zap.Duration("elapsed", out.Duration))
	s.record(ctx, out)

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return out, ctxErr
	}
	return out, nil
}

// attempt is one generate/execute round. The artifact file is removed on
// every path; on success its contents are returned.
func (s *Session) attempt(ctx context.Context, out *Outcome, query, metadata string) (string, *codegen.Artifact, error) {
	art, err := s.gen.Generate(ctx, query, s.domain, metadata)
	if err != nil {
		return "", nil, err
	}
	out.Artifact = art
	out.State = StateExecuting

	path := filepath.Join(s.dir, art.Filename)
	defer func() { _ = os.Remove(path) }()

	res, err := s.sb.Execute(ctx, art.Code)
	if err != nil {
		return "", art, err
	}
	s.logger.Debug("sandbox run", zap.Int("attempt", out.Attempts), zap.String("result", res.Summary()))
	if !res.Success {
		return "", art, res.Err()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", art, &sandbox.ExecutionError{
			Exception: fmt.Sprintf("chart file %s was not written", art.Filename),
			Stderr:    res.Stderr,
		}
	}
	return string(b), art, nil
}

// classify maps an attempt error onto a failure kind and whether another
// attempt may help.
func classify(ctx context.Context, err error) (kind string, retryable bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return KindCanceled, false
	}
	var (
		inv       *chain.InvocationError
		malformed *codegen.MalformedResponseError
		exec      *sandbox.ExecutionError
		blocked   *sandbox.BlockedError
	)
	switch {
	case errors.As(err, &malformed):
		return KindMalformed, true
	case errors.As(err, &blocked):
		return KindBlocked, true
	case errors.As(err, &exec):
		if exec.TimedOut {
			return KindTimeout, true
		}
		return KindExecution, true
	case errors.As(err, &inv):
		return KindInvocation, !ai.IsPermanent(err)
	}
	return KindFatal, false
}

func (s *Session) record(ctx context.Context, out *Outcome) {
	if s.deps.Journal == nil {
		return
	}
	run := journal.Run{
		SessionID: s.id,
		Query:     out.Query,
		State:     out.State.String(),
		Attempts:  out.Attempts,
		Message:   out.Message,
		StartedAt: time.Now().Add(-out.Duration),
		Duration:  out.Duration,
	}
	if out.Artifact != nil && out.Succeeded() {
		run.Artifact = out.Artifact.Filename
	}
	for _, f := range out.Failures {
		run.Failures = append(run.Failures, journal.Failure{Attempt: f.Attempt, Kind: f.Kind, Message: f.Message})
	}
	if _, err := s.deps.Journal.Record(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("journal write failed", zap.Error(err))
	}
}
