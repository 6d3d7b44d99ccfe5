package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	gofpdf "github.com/go-pdf/fpdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hargabyte/lwreport/internal/graph"
	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
)

// NoneLabel is the group of rows whose group-by value is null or empty.
const NoneLabel = "(none)"

// Bucket is one aggregated group.
type Bucket struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Aggregate groups rows by c.GroupBy and reduces each group. Buckets are
// sorted by value descending, then key ascending, and cut to c.Top.
func Aggregate(rows []schema.Row, c report.ChartSpec) []Bucket {
	values := make(map[string]float64)
	distinct := make(map[string]map[string]bool)

	for _, r := range rows {
		key := output.Cell(r.Get(c.GroupBy))
		if key == "" {
			key = NoneLabel
		}
		switch c.Aggregate {
		case report.AggSum:
			if _, ok := values[key]; !ok {
				values[key] = 0
			}
			switch v := r.Get(c.Field).(type) {
			case int64:
				values[key] += float64(v)
			case float64:
				values[key] += v
			}
		case report.AggDistinctCount:
			if distinct[key] == nil {
				distinct[key] = make(map[string]bool)
			}
			if v := output.Cell(r.Get(c.Field)); v != "" {
				distinct[key][v] = true
			}
		default:
			values[key]++
		}
	}
	for k, set := range distinct {
		values[k] = float64(len(set))
	}

	buckets := make([]Bucket, 0, len(values))
	for k, v := range values {
		buckets = append(buckets, Bucket{Key: k, Value: v})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Value != buckets[j].Value {
			return buckets[i].Value > buckets[j].Value
		}
		return buckets[i].Key < buckets[j].Key
	})
	if c.Top > 0 && len(buckets) > c.Top {
		buckets = buckets[:c.Top]
	}
	return buckets
}

var titleCase = cases.Title(language.English)

// ChartTitle returns c.Title or a title derived from its name.
func ChartTitle(c report.ChartSpec) string {
	if c.Title != "" {
		return c.Title
	}
	return titleCase.String(strings.ReplaceAll(c.Name, "_", " "))
}

func valueLabel(c report.ChartSpec) string {
	switch c.Aggregate {
	case report.AggSum:
		return "sum of " + c.Field
	case report.AggDistinctCount:
		return "distinct " + c.Field
	}
	return "count"
}

func (r *Renderer) chartComponents(def report.Definition, c report.ChartSpec, rows []schema.Row) []component {
	title := ChartTitle(c)
	buckets := Aggregate(rows, c)
	return []component{
		{
			name: "chart:" + c.Name + ":mermaid",
			file: c.Name + ".mmd",
			write: func(w io.Writer) error {
				_, err := io.WriteString(w, MermaidChart(c, title, buckets))
				return err
			},
		},
		{
			name: "chart:" + c.Name + ":pdf",
			file: c.Name + ".pdf",
			write: func(w io.Writer) error {
				return PDFBarChart(w, def.Title+": "+title, valueLabel(c), buckets, r.opts.Now())
			},
		},
	}
}

// MermaidChart renders buckets as a pie or bar chart. No buckets renders an
// explicit "No data" diagram.
func MermaidChart(c report.ChartSpec, title string, buckets []Bucket) string {
	if len(buckets) == 0 {
		return fmt.Sprintf("---\ntitle: %s\n---\nflowchart LR\n    empty[\"No data\"]\n", title)
	}
	slices := make([]graph.Slice, len(buckets))
	for i, b := range buckets {
		slices[i] = graph.Slice{Label: b.Key, Value: b.Value}
	}
	if c.Kind == report.ChartPie {
		return graph.GeneratePieChart(slices, title)
	}
	return graph.GenerateBarChart(slices, title, valueLabel(c))
}

const (
	pdfMargin   = 15.0
	pdfLabelW   = 60.0
	pdfValueW   = 20.0
	pdfRowH     = 7.0
	pdfMaxLabel = 40
)

// PDFBarChart draws buckets as horizontal bars on A4 landscape pages.
func PDFBarChart(w io.Writer, title, axis string, buckets []Bucket, now time.Time) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)
	pdf.SetTitle(title, true)
	pdf.SetCreator("lwreport", true)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	title = tr(title)
	pageW, pageH := pdf.GetPageSize()
	barMax := pageW - 2*pdfMargin - pdfLabelW - pdfValueW

	header := func() {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 14)
		pdf.SetTextColor(30, 41, 59)
		pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 6, fmt.Sprintf("%s, generated %s", axis, now.UTC().Format(time.RFC3339)), "", 1, "L", false, 0, "")
		pdf.Ln(4)
	}
	header()

	if len(buckets) == 0 {
		pdf.SetFont("Helvetica", "I", 12)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 10, "No data", "", 1, "L", false, 0, "")
		return writePDF(pdf, w)
	}

	top := buckets[0].Value
	for _, b := range buckets {
		top = max(top, b.Value)
	}

	pdf.SetFont("Helvetica", "", 9)
	for i, b := range buckets {
		if pdf.GetY()+pdfRowH > pageH-pdfMargin {
			header()
			pdf.SetFont("Helvetica", "", 9)
		}
		y := pdf.GetY()

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(pdfLabelW, pdfRowH, tr(clip(b.Key, pdfMaxLabel)), "", 0, "L", false, 0, "")

		width := 0.0
		if top > 0 {
			width = barMax * b.Value / top
		}
		if i%2 == 0 {
			pdf.SetFillColor(59, 130, 246)
		} else {
			pdf.SetFillColor(96, 165, 250)
		}
		if width > 0 {
			pdf.Rect(pdfMargin+pdfLabelW, y+1, width, pdfRowH-2, "F")
		}

		pdf.SetXY(pdfMargin+pdfLabelW+barMax, y)
		pdf.CellFormat(pdfValueW, pdfRowH, formatValue(b.Value), "", 1, "R", false, 0, "")
	}
	return writePDF(pdf, w)
}

func writePDF(pdf *gofpdf.Fpdf, w io.Writer) error {
	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(w)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
