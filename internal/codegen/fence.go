package codegen

import (
	"fmt"
	"strings"
)

// Fence is one fenced block found in model output.
type Fence struct {
	Info     string // text after the opening backticks, e.g. "python"
	Body     string // lines between the fences, newline terminated
	StartLn  int    // 1-based line of the opening fence
	Complete bool   // false when the text ended before a closing fence
}

// ScanFences walks text line by line. An opening fence is a line whose
// left-trimmed text starts with three backticks; it is closed by a line that
// consists only of three or more backticks (surrounding spaces allowed).
func ScanFences(text string) []Fence {
	lines := strings.SplitAfter(text, "\n")
	var (
		out  []Fence
		cur  *Fence
		body strings.Builder
	)
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if cur == nil {
			l := strings.TrimLeft(trimmed, " \t")
			if strings.HasPrefix(l, "```") {
				cur = &Fence{Info: strings.TrimSpace(strings.TrimLeft(l, "`")), StartLn: i + 1}
				body.Reset()
			}
			continue
		}
		if isClosingFence(trimmed) {
			cur.Body = body.String()
			cur.Complete = true
			out = append(out, *cur)
			cur = nil
			continue
		}
		body.WriteString(line)
	}
	if cur != nil {
		cur.Body = body.String()
		out = append(out, *cur)
	}
	return out
}

func isClosingFence(line string) bool {
	s := strings.TrimSpace(line)
	return len(s) >= 3 && strings.Trim(s, "`") == ""
}

// Extract returns the body of the single complete fenced block in text, with
// the opening fence line dropped and the body otherwise byte-identical.
func Extract(text string) (string, error) {
	fences := ScanFences(text)
	complete := 0
	for _, f := range fences {
		if !f.Complete {
			return "", &MalformedResponseError{
				Reason: fmt.Sprintf("unterminated code block opened on line %d", f.StartLn),
				Blocks: complete,
			}
		}
		complete++
	}
	switch complete {
	case 0:
		return "", &MalformedResponseError{Reason: "no fenced code block in response"}
	case 1:
		return fences[0].Body, nil
	default:
		return "", &MalformedResponseError{
			Reason: fmt.Sprintf("expected exactly one code block, found %d", complete),
			Blocks: complete,
		}
	}
}
