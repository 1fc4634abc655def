package ingest

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Markdown renders a compact human-readable report for the describe command.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", r.Name, r.File)
	if r.Processed > 0 && r.Processed < r.Rows {
		fmt.Fprintf(&b, "Rows: %d (statistics over %d)\n", r.Rows, r.Processed)
	} else {
		fmt.Fprintf(&b, "Rows: %d\n", r.Rows)
	}
	fmt.Fprintf(&b, "Columns: %d\n\n", len(r.Cols))

	b.WriteString("[SCHEMA]\n")
	for _, c := range r.Cols {
		total := c.NonNull + c.Missing
		missPct := 0.0
		if total > 0 {
			missPct = float64(c.Missing) * 100.0 / float64(total)
		}
		fmt.Fprintf(&b, "- %s: %s/%s (non-null %d, missing %.1f%%)", safeName(c.Name), c.Kind, c.DType, c.NonNull, missPct)
		switch c.Kind {
		case "numeric":
			fmt.Fprintf(&b, "; min %.4g, max %.4g, mean %.4g, std %.4g", c.Min, c.Max, c.Mean, c.Std)
			if c.OutlierThreshold > 0 {
				fmt.Fprintf(&b, "; outliers: %d above |z|>%.1f", c.OutliersCount, c.OutlierThreshold)
			}
		case "categorical":
			if len(c.TopValues) > 0 {
				b.WriteString("; top: ")
				for i, kv := range c.TopValues {
					if i > 0 {
						b.WriteString(", ")
					}
					fmt.Fprintf(&b, "%s(%d)", safeVal(kv.Value), kv.Count)
				}
				if c.Unique > len(c.TopValues) {
					fmt.Fprintf(&b, "; unique=%d", c.Unique)
				}
			}
		case "text":
			if len(c.ExampleTexts) > 0 {
				b.WriteString("; e.g. ")
				for i, ex := range c.ExampleTexts {
					if i > 0 {
						b.WriteString(" | ")
					}
					b.WriteString(safeVal(ex))
				}
			}
		}
		b.WriteString("\n")
	}

	if r.Corr != nil && len(r.Corr.Columns) >= 2 {
		b.WriteString("\n[CORRELATIONS]\n")
		type pr struct {
			A, B string
			R    float64
		}
		var pairs []pr
		n := len(r.Corr.Columns)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				pairs = append(pairs, pr{A: r.Corr.Columns[i], B: r.Corr.Columns[j], R: r.Corr.Values[i][j]})
			}
		}
		sort.Slice(pairs, func(i, j int) bool {
			ai, aj := math.Abs(pairs[i].R), math.Abs(pairs[j].R)
			if ai == aj {
				return pairs[i].A+pairs[i].B < pairs[j].A+pairs[j].B
			}
			return ai > aj
		})
		if len(pairs) > 10 {
			pairs = pairs[:10]
		}
		for _, p := range pairs {
			fmt.Fprintf(&b, "- %s ~ %s: r=%.3f\n", p.A, p.B, p.R)
		}
	}

	if len(r.Samples) > 0 {
		b.WriteString("\n[SAMPLE ROWS]\n| ")
		for i, h := range r.Header {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(safeName(h))
		}
		b.WriteString(" |\n|")
		for range r.Header {
			b.WriteString(" --- |")
		}
		b.WriteString("\n")
		for _, row := range r.Samples {
			b.WriteString("| ")
			for i, val := range row {
				if i > 0 {
					b.WriteString(" | ")
				}
				if len(val) > 80 {
					val = val[:77] + "..."
				}
				b.WriteString(safeVal(val))
			}
			b.WriteString(" |\n")
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\n[NOTES]\n")
		for _, w := range r.Warnings {
			b.WriteString("- " + w + "\n")
		}
	}
	return b.String()
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unnamed)"
	}
	return s
}

func safeVal(s string) string { return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "/") }
