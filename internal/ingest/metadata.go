package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseMetadataBytes decodes an uploaded metadata document. Any JSON value is
// accepted; numbers are kept as json.Number so they re-encode unchanged.
func ParseMetadataBytes(content []byte) (any, error) {
	return parseMetadata("upload", content)
}

// ParseMetadataEdit validates a hand-edited metadata document.
func ParseMetadataEdit(text string) (any, error) {
	return parseMetadata("edit", []byte(text))
}

// ParseMetadataText decodes metadata produced by the model, which may wrap
// the object in a single ```json fence or surround it with prose.
func ParseMetadataText(text string) (any, error) {
	body := strings.TrimSpace(text)
	if i := strings.Index(body, "```"); i >= 0 {
		rest := body[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			body = rest[:j]
		}
	} else if i, j := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); i >= 0 && j > i {
		body = body[i : j+1]
	}
	return parseMetadata("model", []byte(body))
}

func parseMetadata(source string, content []byte) (any, error) {
	content = bytes.TrimSpace(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")))
	if len(content) == 0 {
		return nil, &MetadataFormatError{Source: source, Err: errors.New("document is empty")}
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &MetadataFormatError{Source: source, Err: err}
	}
	if dec.More() {
		return nil, &MetadataFormatError{Source: source, Err: fmt.Errorf("unexpected data after JSON value at offset %d", dec.InputOffset())}
	}
	return out, nil
}

// MetadataJSON renders metadata for prompts and API responses.
func MetadataJSON(m any) string {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "null"
	}
	return string(b)
}
