package codegen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var showCall = regexp.MustCompile(`\.show\(\s*\)`)

// RenderOptions controls the write_html call substituted for show().
type RenderOptions struct {
	// IncludePlotlyJS is emitted verbatim as the include_plotlyjs argument:
	// "True" (self-contained), "'cdn'" or "'require'".
	IncludePlotlyJS string
	// DisplayLogo toggles the plotly logo in the chart toolbar.
	DisplayLogo bool
}

// DefaultRenderOptions produce a self-contained fragment without the logo.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{IncludePlotlyJS: "True"}
}

// Artifact is refined code and the HTML file it writes into the working directory.
type Artifact struct {
	Filename string
	Code     string
}

// Refine rewrites the first .show() call in code into a write_html call
// targeting a fresh <uuid>.html file. Later show() calls are left untouched,
// as are calls that only appear in comments or string literals.
func Refine(code string, opts RenderOptions) (*Artifact, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &MalformedResponseError{Reason: "code block is empty", Blocks: 1}
	}
	loc := firstShowCall(code)
	if loc == nil {
		return nil, &MalformedResponseError{Reason: "code does not call show()", Blocks: 1}
	}
	if opts.IncludePlotlyJS == "" {
		opts.IncludePlotlyJS = "True"
	}
	logo := "False"
	if opts.DisplayLogo {
		logo = "True"
	}
	filename := uuid.NewString() + ".html"
	call := fmt.Sprintf(".write_html('%s', full_html=False, include_plotlyjs=%s, config={'displaylogo': %s})",
		filename, opts.IncludePlotlyJS, logo)
	return &Artifact{
		Filename: filename,
		Code:     code[:loc[0]] + call + code[loc[1]:],
	}, nil
}

// firstShowCall returns the span of the first show() call that is live code.
func firstShowCall(code string) []int {
	for _, loc := range showCall.FindAllStringIndex(code, -1) {
		start := strings.LastIndexByte(code[:loc[0]], '\n') + 1
		if !commentedOrQuoted(code[start:loc[0]]) {
			return loc
		}
	}
	return nil
}

// commentedOrQuoted reports whether the end of a python line prefix sits
// inside a comment or an unterminated single-line string.
func commentedOrQuoted(prefix string) bool {
	var quote byte
	for i := 0; i < len(prefix); i++ {
		ch := prefix[i]
		switch {
		case quote != 0 && ch == '\\':
			i++
		case quote != 0 && ch == quote:
			quote = 0
		case quote != 0:
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '#':
			return true
		}
	}
	return quote != 0
}
