package ingest

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMetadataBytesRoundTrip(t *testing.T) {
	docs := []string{
		`{"sales":{"columns":[{"name":"amount","type":"int64"}],"rows":3}}`,
		`[1,2]`,
		`"x"`,
		`42`,
		`3.25`,
		`true`,
		`null`,
		`[]`,
		`{}`,
	}
	for _, in := range docs {
		m, err := ParseMetadataBytes([]byte(in))
		if err != nil {
			t.Fatalf("ParseMetadataBytes(%s): %v", in, err)
		}
		out, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(out) != in {
			t.Fatalf("round trip mismatch:\n got %s\nwant %s", out, in)
		}
	}
}

func TestParseMetadataBytesRejectsInvalidJSON(t *testing.T) {
	for _, in := range []string{"", "   ", "not json", `{"a":1} trailing`, `{"a":`, "[1,"} {
		_, err := ParseMetadataBytes([]byte(in))
		var mfe *MetadataFormatError
		if !errors.As(err, &mfe) {
			t.Fatalf("input %q: expected MetadataFormatError, got %v", in, err)
		}
		if mfe.Source != "upload" {
			t.Fatalf("unexpected source %q", mfe.Source)
		}
	}
}

func TestParseMetadataText(t *testing.T) {
	cases := []string{
		"```json\n{\"a\": 1}\n```",
		"Here is the metadata:\n```\n{\"a\": 1}\n```\nDone.",
		"Sure! {\"a\": 1} hope that helps",
	}
	for _, in := range cases {
		m, err := ParseMetadataText(in)
		if err != nil {
			t.Fatalf("input %q: %v", in, err)
		}
		obj, _ := m.(map[string]any)
		if n, ok := obj["a"].(json.Number); !ok || n.String() != "1" {
			t.Fatalf("input %q: unexpected value %#v", in, m)
		}
	}
	var mfe *MetadataFormatError
	if _, err := ParseMetadataText("no json here"); !errors.As(err, &mfe) || mfe.Source != "model" {
		t.Fatalf("expected model MetadataFormatError, got %v", err)
	}
}

func TestMetadataJSON(t *testing.T) {
	if got := MetadataJSON(nil); got != "null" {
		t.Fatalf("nil metadata should render as null, got %q", got)
	}
	m, _ := ParseMetadataEdit(`{"k":"v"}`)
	if got := MetadataJSON(m); got != "{\n  \"k\": \"v\"\n}" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
