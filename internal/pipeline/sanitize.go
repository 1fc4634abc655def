package pipeline

import (
	"path/filepath"
	"strings"
)

const workdirPlaceholder = "<workdir>"

// Sanitize prepares an error text for users: the session directory is
// replaced by a placeholder, a Python traceback is reduced to its final line
// and the result is capped at limit runes (0 means no cap).
func Sanitize(msg, workdir string, limit int) string {
	if workdir != "" {
		if real, err := filepath.EvalSymlinks(workdir); err == nil && real != workdir {
			msg = strings.ReplaceAll(msg, real, workdirPlaceholder)
		}
		msg = strings.ReplaceAll(msg, workdir, workdirPlaceholder)
	}
	if strings.Contains(msg, "Traceback (most recent call last)") {
		msg = lastLine(msg)
	}
	msg = strings.TrimSpace(msg)
	if limit > 0 {
		if r := []rune(msg); len(r) > limit {
			msg = string(r[:limit]) + "..."
		}
	}
	return msg
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
