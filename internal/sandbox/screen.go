package sandbox

import (
	"fmt"
	"regexp"
)

// Patterns rejected in generated code. Call-like patterns require a
// non-attribute prefix so DataFrame.eval and friends stay usable.
var defaultForbidden = []string{
	// process execution
	`os\.system\s*\(`,
	`subprocess`,
	`os\.popen\s*\(`,
	`os\.exec\w*\s*\(`,
	`os\.spawn\w*\s*\(`,
	`(?:^|[^.\w])pty\.`,
	// filesystem removal
	`os\.remove\s*\(`,
	`os\.unlink\s*\(`,
	`os\.rmdir\s*\(`,
	`shutil\.rmtree\s*\(`,
	`\.unlink\s*\(`,
	// network
	`requests\.`,
	`urllib\.request`,
	`http\.client`,
	`socket\.`,
	`ftplib\.`,
	`smtplib\.`,
	// dynamic code
	`(?:^|[^.\w])exec\s*\(`,
	`(?:^|[^.\w])eval\s*\(`,
	`__import__\s*\(`,
	`pickle\.loads`,
	`marshal\.loads`,
}

// Screener rejects code matching forbidden patterns.
type Screener struct {
	patterns []*regexp.Regexp
	maxLen   int
}

// NewScreener compiles the built-in patterns plus extra ones.
func NewScreener(maxLen int, extra ...string) (*Screener, error) {
	s := &Screener{maxLen: maxLen}
	for _, p := range append(append([]string(nil), defaultForbidden...), extra...) {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Check returns a *BlockedError for the first matching pattern.
func (s *Screener) Check(code string) error {
	if s == nil {
		return nil
	}
	if s.maxLen > 0 && len(code) > s.maxLen {
		return &BlockedError{Pattern: fmt.Sprintf("length > %d bytes", s.maxLen)}
	}
	for _, re := range s.patterns {
		if re.MatchString(code) {
			return &BlockedError{Pattern: re.String()[len("(?m)"):]}
		}
	}
	return nil
}
