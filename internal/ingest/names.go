package ingest

import (
	"errors"
	"path/filepath"
	"strings"
)

// Python keywords and soft keywords that cannot be assignment targets, plus
// module names the generated code imports and must not shadow.
var reservedNames = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true,
	"def": true, "del": true, "elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true,
	"raise": true, "return": true, "try": true, "while": true, "with": true, "yield": true,
	"match": true, "case": true, "type": true,
	"pd": true, "px": true, "go": true, "np": true, "io": true, "base64": true,
	"plotly": true, "pandas": true, "fig": true, "df": true,
	// builtins generated code commonly calls
	"print": true, "len": true, "range": true, "list": true, "dict": true, "set": true,
	"tuple": true, "str": true, "int": true, "float": true, "bool": true, "sum": true,
	"min": true, "max": true, "abs": true, "round": true, "sorted": true, "zip": true,
	"map": true, "filter": true, "enumerate": true, "open": true, "id": true,
	"input": true, "format": true, "object": true, "any": true, "all": true,
	"iter": true, "next": true, "isinstance": true, "getattr": true, "setattr": true,
	"vars": true, "dir": true, "hash": true, "slice": true, "super": true,
}

// TableName derives the DataFrame identifier for an uploaded file: the base
// name without its extension, with every rune outside [A-Za-z0-9_] replaced
// by '_'. A leading digit gets a '_' prefix, a reserved word a '_' suffix.
func TableName(filename string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if strings.TrimSpace(base) == "" || base == "." {
		return "", &DataFormatError{File: filename, Err: errors.New("file name does not yield a table name")}
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	if reservedNames[name] {
		name += "_"
	}
	return name, nil
}
