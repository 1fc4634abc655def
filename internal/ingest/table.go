package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Options controls table analysis.
type Options struct {
	// MaxRows limits rows fed into statistics; 0 means unlimited. Every row is
	// still parsed so malformed input is always reported.
	MaxRows int
	// SampleRows determines how many example rows are kept on the report.
	SampleRows int
	// Delimiter for CSV. If 0, sniffed from the header line.
	Delimiter rune
	// Correlations computes Pearson correlations among numeric columns.
	Correlations bool
	// Outliers counts values with robust |z| (MAD based) above OutlierThreshold.
	Outliers         bool
	OutlierThreshold float64
}

// DefaultOptions returns reasonable defaults for dataset analysis.
func DefaultOptions() Options {
	return Options{MaxRows: 100000, SampleRows: 5}
}

// Report is the parsed shape of one uploaded table.
type Report struct {
	Name      string // table identifier
	File      string // original file name
	Delimiter rune
	Header    []string
	Rows      int
	Processed int
	Cols      []ColumnSummary
	Samples   [][]string
	Warnings  []string
	Corr      *CorrMatrix
}

// ColumnSummary captures inferred type and statistics per column.
type ColumnSummary struct {
	Name    string
	Kind    string // numeric|datetime|boolean|categorical|text|unknown
	DType   string // pandas dtype name the loader produces
	NonNull int
	Missing int
	Unique  int
	Min     float64
	Max     float64
	Mean    float64
	Std     float64

	OutliersCount    int
	OutliersMaxAbsZ  float64
	OutlierThreshold float64

	TopValues    []CategoryCount
	ExampleTexts []string
}

type CategoryCount struct {
	Value string
	Count int
}

// CorrMatrix holds a symmetric Pearson correlation matrix across numeric columns.
type CorrMatrix struct {
	Columns []string
	Values  [][]float64
}

// Shape returns (rows, columns) the way pandas reports DataFrame.shape.
func (r *Report) Shape() (int, int) { return r.Rows, len(r.Header) }

// DatetimeColumns lists the columns inferred as datetime64[ns].
func (r *Report) DatetimeColumns() []string {
	var out []string
	for _, c := range r.Cols {
		if c.DType == "datetime64[ns]" {
			out = append(out, c.Name)
		}
	}
	return out
}

type colAcc struct {
	name   string
	nonNil int
	miss   int

	// Welford
	n    int
	mean float64
	m2   float64
	min  float64
	max  float64

	numCnt   int // lenient numeric parse
	intCnt   int // strict int64
	floatCnt int // strict float64 (ints included)
	boolCnt  int
	dtCnt    int
	txtCnt   int
	cats     map[string]int
	exText   []string
	values   []float64
}

type pairAcc struct {
	n, sumX, sumY, sumXX, sumYY, sumXY float64
}

// Analyze parses a whole CSV payload strictly (every row must have the header's
// field count) and infers per-column types and statistics in a single pass.
func Analyze(file string, content []byte, opt Options) (*Report, error) {
	name, err := TableName(file)
	if err != nil {
		return nil, err
	}
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	delim := opt.Delimiter
	if delim == 0 {
		delim = sniffDelimiter(content)
	}
	r := csv.NewReader(bytes.NewReader(content))
	r.ReuseRecord = true
	r.FieldsPerRecord = 0
	r.Comma = delim

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DataFormatError{File: file, Err: errors.New("file is empty")}
		}
		return nil, wrapCSVError(file, err)
	}
	ncol := len(header)
	rep := &Report{Name: name, File: file, Delimiter: delim, Header: append([]string(nil), header...)}
	cols := make([]*colAcc, ncol)
	seen := make(map[string]bool, ncol)
	// Names stay byte-identical to the header fields; pandas does not strip them.
	for i, h := range header {
		if seen[h] {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("duplicate column name %q", h))
		}
		seen[h] = true
		cols[i] = &colAcc{name: h, min: math.Inf(1), max: math.Inf(-1), cats: make(map[string]int)}
	}

	maxRows := opt.MaxRows
	if maxRows <= 0 {
		maxRows = math.MaxInt
	}
	sampleRows := opt.SampleRows
	if sampleRows <= 0 {
		sampleRows = 1
	}
	pair := make(map[int]*pairAcc)

	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, wrapCSVError(file, err)
		}
		rep.Rows++
		if len(rep.Samples) < sampleRows {
			rep.Samples = append(rep.Samples, append([]string(nil), rec...))
		}
		if rep.Processed >= maxRows {
			continue
		}
		rep.Processed++

		var rowNums map[int]float64
		if opt.Correlations {
			rowNums = make(map[int]float64)
		}
		for j := 0; j < ncol; j++ {
			v := strings.TrimSpace(rec[j])
			c := cols[j]
			if v == "" || isNAToken(v) {
				c.miss++
				continue
			}
			c.nonNil++
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.intCnt++
			}
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				c.floatCnt++
			}
			if isBoolToken(v) {
				c.boolCnt++
			}
			if x, ok := parseNumeric(v); ok {
				c.numCnt++
				c.n++
				if x < c.min {
					c.min = x
				}
				if x > c.max {
					c.max = x
				}
				delta := x - c.mean
				c.mean += delta / float64(c.n)
				c.m2 += delta * (x - c.mean)
				if opt.Outliers {
					c.values = append(c.values, x)
				}
				if rowNums != nil {
					rowNums[j] = x
				}
				continue
			}
			if _, ok := parseTimeMaybe(v); ok {
				c.dtCnt++
				continue
			}
			c.txtCnt++
			if len(c.cats) <= 10000 && len(v) <= 64 {
				c.cats[v]++
			}
			if len(c.exText) < 3 {
				c.exText = append(c.exText, v)
			}
		}
		if len(rowNums) >= 2 {
			accumulatePairs(pair, rowNums, ncol)
		}
	}

	rep.Cols = make([]ColumnSummary, 0, ncol)
	var numCols []int
	for idx, c := range cols {
		s := summarize(c, opt)
		if s.Kind == "numeric" {
			numCols = append(numCols, idx)
		}
		rep.Cols = append(rep.Cols, s)
	}
	if rep.Processed < rep.Rows {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("statistics cover %d/%d rows due to MaxRows", rep.Processed, rep.Rows))
	}
	if opt.Correlations && len(numCols) >= 2 {
		rep.Corr = buildCorr(pair, cols, numCols, ncol)
	}
	return rep, nil
}

func summarize(c *colAcc, opt Options) ColumnSummary {
	s := ColumnSummary{Name: c.name, NonNull: c.nonNil, Missing: c.miss, DType: inferDType(c)}
	switch {
	case c.boolCnt == c.nonNil && c.nonNil > 0:
		s.Kind = "boolean"
		s.Unique = len(c.cats)
	case c.numCnt >= c.dtCnt && c.numCnt >= c.txtCnt && c.numCnt > 0:
		s.Kind = "numeric"
		s.Min, s.Max, s.Mean = c.min, c.max, c.mean
		if c.n > 1 {
			s.Std = math.Sqrt(c.m2 / float64(c.n-1))
		}
		if opt.Outliers && len(c.values) >= 8 {
			s.OutlierThreshold = opt.OutlierThreshold
			if s.OutlierThreshold <= 0 {
				s.OutlierThreshold = 3.5
			}
			s.OutliersCount, s.OutliersMaxAbsZ = robustOutliers(c.values, s.OutlierThreshold)
		}
	case c.dtCnt >= c.txtCnt && c.dtCnt > 0:
		s.Kind = "datetime"
	case len(c.cats) > 0:
		s.Kind = "categorical"
		tops := make([]CategoryCount, 0, len(c.cats))
		for k, v := range c.cats {
			tops = append(tops, CategoryCount{Value: k, Count: v})
		}
		sort.Slice(tops, func(i, j int) bool {
			if tops[i].Count == tops[j].Count {
				return tops[i].Value < tops[j].Value
			}
			return tops[i].Count > tops[j].Count
		})
		if len(tops) > 8 {
			tops = tops[:8]
		}
		s.TopValues = tops
		s.Unique = len(c.cats)
	case c.txtCnt > 0:
		s.Kind = "text"
		s.ExampleTexts = c.exText
	default:
		s.Kind = "unknown"
	}
	return s
}

// inferDType mirrors what pandas.read_csv yields for the column, given that
// the loader passes parse_dates for datetime columns.
func inferDType(c *colAcc) string {
	switch {
	case c.nonNil == 0:
		return "float64"
	case c.intCnt == c.nonNil && c.miss == 0:
		return "int64"
	case c.floatCnt == c.nonNil:
		return "float64"
	case c.boolCnt == c.nonNil && c.miss == 0:
		return "bool"
	case c.dtCnt == c.nonNil:
		return "datetime64[ns]"
	}
	return "object"
}

func wrapCSVError(file string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &DataFormatError{File: file, Line: pe.Line, Err: pe.Err}
	}
	return &DataFormatError{File: file, Err: err}
}

// sniffDelimiter picks the most frequent of ',', ';' and '\t' on the first line.
func sniffDelimiter(content []byte) rune {
	line := content
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		line = content[:i]
	}
	best, bestN := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func isNAToken(s string) bool {
	switch s {
	case "NA", "N/A", "NaN", "nan", "null", "NULL", "None", "#N/A", "<NA>":
		return true
	}
	return false
}

func isBoolToken(s string) bool {
	switch s {
	case "True", "TRUE", "true", "False", "FALSE", "false":
		return true
	}
	return false
}

func parseTimeMaybe(s string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339, "2006-01-02", "2006/01/02", "02/01/2006", "01/02/2006",
		"2006-01-02 15:04", "2006-01-02 15:04:05", "1/2/2006 15:04", "1/2/2006 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseNumeric accepts locale-formatted numbers ("1.000,5", "12%") for
// statistics; dtype inference uses strict strconv parsing instead.
func parseNumeric(s string) (float64, bool) {
	raw := strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
	raw = strings.TrimSuffix(raw, "%")
	var dec rune = '.'
	cpos := strings.LastIndex(raw, ",")
	dpos := strings.LastIndex(raw, ".")
	if cpos > dpos {
		dec = ','
	}
	for _, sep := range []rune{',', '.', ' '} {
		if sep != dec {
			raw = strings.ReplaceAll(raw, string(sep), "")
		}
	}
	if dec != '.' {
		raw = strings.ReplaceAll(raw, string(dec), ".")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func accumulatePairs(pair map[int]*pairAcc, rowNums map[int]float64, ncol int) {
	idxs := make([]int, 0, len(rowNums))
	for j := range rowNums {
		idxs = append(idxs, j)
	}
	sort.Ints(idxs)
	for a := 1; a < len(idxs); a++ {
		j := idxs[a]
		x := rowNums[j]
		for b := 0; b < a; b++ {
			k := idxs[b]
			y := rowNums[k]
			pa := pair[j*ncol+k]
			if pa == nil {
				pa = &pairAcc{}
				pair[j*ncol+k] = pa
			}
			pa.n++
			pa.sumX += x
			pa.sumY += y
			pa.sumXX += x * x
			pa.sumYY += y * y
			pa.sumXY += x * y
		}
	}
}

func buildCorr(pair map[int]*pairAcc, cols []*colAcc, numCols []int, ncol int) *CorrMatrix {
	n := len(numCols)
	names := make([]string, n)
	mat := make([][]float64, n)
	for i, idx := range numCols {
		names[i] = cols[idx].name
		mat[i] = make([]float64, n)
	}
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if a == b {
				mat[a][b] = 1
				continue
			}
			ia, ib := numCols[a], numCols[b]
			pa := pair[max(ia, ib)*ncol+min(ia, ib)]
			if pa == nil || pa.n < 2 {
				continue
			}
			denom := math.Sqrt((pa.n*pa.sumXX - pa.sumX*pa.sumX) * (pa.n*pa.sumYY - pa.sumY*pa.sumY))
			if denom == 0 {
				continue
			}
			r := (pa.n*pa.sumXY - pa.sumX*pa.sumY) / denom
			if math.IsNaN(r) || math.IsInf(r, 0) {
				continue
			}
			mat[a][b] = math.Max(-1, math.Min(1, r))
		}
	}
	return &CorrMatrix{Columns: names, Values: mat}
}

func robustOutliers(vals []float64, thr float64) (count int, maxAbsZ float64) {
	median, mad := medianMAD(vals)
	if mad == 0 {
		return 0, 0
	}
	for _, v := range vals {
		az := math.Abs(0.6745 * (v - median) / mad)
		if az > thr {
			count++
		}
		if az > maxAbsZ {
			maxAbsZ = az
		}
	}
	return count, maxAbsZ
}

// medianMAD computes median and MAD (median absolute deviation) of values.
func medianMAD(vals []float64) (median, mad float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	cp := append([]float64(nil), vals...)
	sort.Float64s(cp)
	median = quantile(cp, 0.5)
	dev := make([]float64, len(cp))
	for i, v := range cp {
		dev[i] = math.Abs(v - median)
	}
	sort.Float64s(dev)
	return median, quantile(dev, 0.5)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	w := pos - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}
