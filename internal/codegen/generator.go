package codegen

import (
	"context"

	"go.uber.org/zap"
)

// QueryChain turns a question plus dataset context into raw model text.
type QueryChain interface {
	Query(ctx context.Context, query, domain, metadata string) (string, error)
}

// Generator invokes the query chain and refines its answer into an Artifact.
type Generator struct {
	chain  QueryChain
	render RenderOptions
	logger *zap.Logger
}

// NewGenerator returns a Generator; a nil logger disables logging.
func NewGenerator(chain QueryChain, render RenderOptions, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{chain: chain, render: render, logger: logger}
}

// Generate runs invoke, extract and refine. Chain errors are returned as-is;
// extraction problems surface as *MalformedResponseError.
func (g *Generator) Generate(ctx context.Context, query, domain, metadata string) (*Artifact, error) {
	raw, err := g.chain.Query(ctx, query, domain, metadata)
	if err != nil {
		return nil, err
	}
	code, err := Extract(raw)
	if err != nil {
		g.logger.Debug("unusable model response", zap.Int("chars", len(raw)), zap.Error(err))
		return nil, err
	}
	art, err := Refine(code, g.render)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("generated chart code", zap.String("artifact", art.Filename), zap.Int("lines", countLines(art.Code)))
	return art, nil
}

func countLines(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	if len(s) > 0 && s[len(s)-1] != '\n' {
		n++
	}
	return n
}
