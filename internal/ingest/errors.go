package ingest

import "fmt"

// DataFormatError reports an uploaded file that cannot be turned into a table.
// Line is 0 when the problem is not tied to a specific row.
type DataFormatError struct {
	File string
	Line int
	Err  error
}

func (e *DataFormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("data format error in %s (line %d): %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("data format error in %s: %v", e.File, e.Err)
}

func (e *DataFormatError) Unwrap() error { return e.Err }

// MetadataFormatError reports metadata that is not a JSON object.
// Source is "upload", "edit" or "model".
type MetadataFormatError struct {
	Source string
	Err    error
}

func (e *MetadataFormatError) Error() string {
	return fmt.Sprintf("invalid metadata (%s): %v", e.Source, e.Err)
}

func (e *MetadataFormatError) Unwrap() error { return e.Err }
