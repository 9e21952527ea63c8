/*Package report accumulates renderable blocks during a test run and
renders them to a PDF document exactly once at the end (or early, when the
run aborts).

The block set mirrors what an acceptance report needs: headings, free
text, bordered tables, and plot images.  Blocks are kept in insertion
order; nothing is rendered until Build is called, so an abort mid-run
still yields a complete document of everything recorded up to that point.
*/
package report

import (
	"os"

	"github.com/jung-kurt/gofpdf"
)

type blockKind int

const (
	kindHeading blockKind = iota
	kindTitle
	kindText
	kindTable
	kindImage
	kindSpacer
)

type block struct {
	kind  blockKind
	text  string
	rows  [][]string
	image string
}

// Report is an ordered accumulation of document blocks
type Report struct {
	blocks []block
}

// New creates an empty report
func New() *Report {
	return &Report{}
}

// Title adds the document title block
func (r *Report) Title(text string) {
	r.blocks = append(r.blocks, block{kind: kindTitle, text: text})
}

// Heading adds a section heading
func (r *Report) Heading(text string) {
	r.blocks = append(r.blocks, block{kind: kindHeading, text: text})
}

// Text adds a paragraph
func (r *Report) Text(text string) {
	r.blocks = append(r.blocks, block{kind: kindText, text: text})
}

// Table adds a bordered table; the first row is treated as a header
func (r *Report) Table(rows [][]string) {
	r.blocks = append(r.blocks, block{kind: kindTable, rows: rows})
}

// Image adds a plot image by file path
func (r *Report) Image(path string) {
	r.blocks = append(r.blocks, block{kind: kindImage, image: path})
}

// Spacer adds vertical whitespace
func (r *Report) Spacer() {
	r.blocks = append(r.blocks, block{kind: kindSpacer})
}

// Len returns the number of accumulated blocks
func (r *Report) Len() int {
	return len(r.blocks)
}

// Build renders the accumulated blocks to a PDF file at path
func (r *Report) Build(path string) error {
	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.AddPage()
	for _, b := range r.blocks {
		switch b.kind {
		case kindTitle:
			pdf.SetFont("Helvetica", "B", 16)
			pdf.MultiCell(0, 8, b.text, "", "C", false)
			pdf.Ln(4)
		case kindHeading:
			pdf.SetFont("Helvetica", "B", 13)
			pdf.MultiCell(0, 7, b.text, "", "L", false)
			pdf.Ln(2)
		case kindText:
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, b.text, "", "L", false)
			pdf.Ln(1)
		case kindTable:
			r.buildTable(pdf, b.rows)
			pdf.Ln(3)
		case kindImage:
			// a plot that failed to render leaves no file; skip rather
			// than poisoning the whole document
			if _, err := os.Stat(b.image); err != nil {
				continue
			}
			opts := gofpdf.ImageOptions{ReadDpi: true}
			pdf.ImageOptions(b.image, 15, 0, 150, 0, true, opts, 0, "")
			pdf.Ln(2)
		case kindSpacer:
			pdf.Ln(5)
		}
	}
	return pdf.OutputFileAndClose(path)
}

func (r *Report) buildTable(pdf *gofpdf.Fpdf, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	ncol := len(rows[0])
	if ncol == 0 {
		return
	}
	// letter page, 15mm margins either side
	width := 186.0 / float64(ncol)
	pdf.SetFillColor(220, 220, 220)
	for i, row := range rows {
		if i == 0 {
			pdf.SetFont("Helvetica", "B", 9)
		} else {
			pdf.SetFont("Helvetica", "", 9)
		}
		for _, cell := range row {
			pdf.CellFormat(width, 6, cell, "1", 0, "L", i == 0, 0, "")
		}
		pdf.Ln(-1)
	}
}
