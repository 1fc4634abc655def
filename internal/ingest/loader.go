package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UploadedFile is one user-supplied CSV payload.
type UploadedFile struct {
	Filename string
	Content  []byte
}

// Dataset is a validated set of uploads with one analysis report per file.
type Dataset struct {
	Files   []UploadedFile
	Reports []*Report
}

// Prepare validates table names and parses every file strictly.
func Prepare(files []UploadedFile, opt Options) (*Dataset, error) {
	if len(files) == 0 {
		return nil, &DataFormatError{File: "(none)", Err: errors.New("no files uploaded")}
	}
	owner := make(map[string]string, len(files))
	ds := &Dataset{Files: files, Reports: make([]*Report, 0, len(files))}
	for _, f := range files {
		name, err := TableName(f.Filename)
		if err != nil {
			return nil, err
		}
		if prev, ok := owner[name]; ok {
			return nil, &DataFormatError{File: f.Filename, Err: fmt.Errorf("table name %q already used by %s", name, prev)}
		}
		owner[name] = f.Filename
		rep, err := Analyze(f.Filename, f.Content, opt)
		if err != nil {
			return nil, err
		}
		ds.Reports = append(ds.Reports, rep)
	}
	return ds, nil
}

// Tables returns the DataFrame identifiers in upload order.
func (d *Dataset) Tables() []string {
	out := make([]string, len(d.Reports))
	for i, r := range d.Reports {
		out[i] = r.Name
	}
	return out
}

// LoaderCode emits Python that binds one pandas DataFrame per file.
func (d *Dataset) LoaderCode() string {
	var b strings.Builder
	b.WriteString("import base64\nimport io\n\nimport pandas as pd\n\n")
	for i, rep := range d.Reports {
		enc := base64.StdEncoding.EncodeToString(d.Files[i].Content)
		fmt.Fprintf(&b, "%s = pd.read_csv(io.BytesIO(base64.b64decode(%q))", rep.Name, enc)
		if rep.Delimiter != ',' {
			fmt.Fprintf(&b, ", sep=%s", strconv.Quote(string(rep.Delimiter)))
		}
		if dts := rep.DatetimeColumns(); len(dts) > 0 {
			quoted := make([]string, len(dts))
			for j, c := range dts {
				quoted[j] = strconv.Quote(c)
			}
			fmt.Fprintf(&b, ", parse_dates=[%s]", strings.Join(quoted, ", "))
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// AttributeInfo renders the per-table summary handed to the metadata chain.
func (d *Dataset) AttributeInfo() string {
	blocks := make([]string, len(d.Reports))
	for i, rep := range d.Reports {
		blocks[i] = rep.Attributes()
	}
	return strings.Join(blocks, "\n")
}

// Attributes renders the DATAFRAME NAME block for a single table.
func (r *Report) Attributes() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATAFRAME NAME: %s\n", r.Name)
	for _, c := range r.Cols {
		fmt.Fprintf(&b, "- %s (%s)\n", columnLabel(c.Name), c.DType)
	}
	rows, cols := r.Shape()
	fmt.Fprintf(&b, "Shape: (%d, %d)\n", rows, cols)
	b.WriteString("Sample row:\n")
	b.WriteString(csvLine(r.Header, r.Delimiter))
	if len(r.Samples) > 0 {
		b.WriteString(csvLine(r.Samples[0], r.Delimiter))
	} else {
		b.WriteString("(no rows)\n")
	}
	return b.String()
}

// columnLabel quotes names with surrounding whitespace so the model indexes
// the exact DataFrame column.
func columnLabel(name string) string {
	if name != strings.TrimSpace(name) || name == "" {
		return strconv.Quote(name)
	}
	return name
}

func csvLine(fields []string, delim rune) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim
	_ = w.Write(fields)
	w.Flush()
	return buf.String()
}

// BuildLoaderCode returns Python source binding each file to a DataFrame named
// after the file without its extension.
func BuildLoaderCode(files []UploadedFile) (string, error) {
	ds, err := Prepare(files, DefaultOptions())
	if err != nil {
		return "", err
	}
	return ds.LoaderCode(), nil
}

// DescribeAttributes returns the blank-line separated attribute blocks for files.
func DescribeAttributes(files []UploadedFile) (string, error) {
	ds, err := Prepare(files, DefaultOptions())
	if err != nil {
		return "", err
	}
	return ds.AttributeInfo(), nil
}
