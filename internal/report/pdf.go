package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"clinical-decision-agent/internal/clinical"
)

// ErrNoFont is returned when none of the configured TTF fonts can be loaded.
var ErrNoFont = errors.New("no usable font for PDF")

const (
	fontFamily = "DejaVu"
	margin     = 40.0
	textWidth  = 515.0
	pageBottom = 800.0
)

// DefaultFontPaths covers the usual DejaVu locations on Alpine and Debian.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

type Renderer struct {
	fontPaths []string
	now       func() time.Time
}

func NewRenderer(fontPaths ...string) *Renderer {
	if len(fontPaths) == 0 {
		fontPaths = DefaultFontPaths
	}
	return &Renderer{fontPaths: fontPaths, now: time.Now}
}

type page struct {
	pdf *gopdf.GoPdf
}

func (p page) font(size float64) error {
	return p.pdf.SetFont(fontFamily, "", size)
}

func (p page) line(text string, advance float64) error {
	if p.pdf.GetY()+advance > pageBottom {
		p.pdf.AddPage()
	}
	if err := p.pdf.Cell(nil, text); err != nil {
		return err
	}
	p.pdf.Br(advance)
	return nil
}

func (p page) paragraph(text string, advance float64) error {
	if strings.TrimSpace(text) == "" {
		p.pdf.Br(advance / 2)
		return nil
	}
	lines, err := p.pdf.SplitText(text, textWidth)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if err := p.line(l, advance); err != nil {
			return err
		}
	}
	return nil
}

func (p page) heading(text string) error {
	p.pdf.Br(8)
	if err := p.font(14); err != nil {
		return err
	}
	if err := p.line(text, 18); err != nil {
		return err
	}
	return p.font(11)
}

// Render lays out a case result as a doctor-facing PDF.
func (r *Renderer) Render(res *clinical.CaseResult) ([]byte, error) {
	if res == nil {
		return nil, errors.New("nil case result")
	}
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetLeftMargin(margin)
	pdf.SetTopMargin(margin)
	pdf.AddPage()

	var fontErr error
	loaded := false
	for _, path := range r.fontPaths {
		if err := pdf.AddTTFFont(fontFamily, path); err != nil {
			fontErr = err
			continue
		}
		loaded = true
		break
	}
	if !loaded {
		return nil, fmt.Errorf("%w: %v", ErrNoFont, fontErr)
	}

	p := page{pdf: pdf}
	if err := p.font(20); err != nil {
		return nil, err
	}
	if err := p.line("Clinical decision support report", 30); err != nil {
		return nil, err
	}

	if err := p.font(11); err != nil {
		return nil, err
	}
	header := []string{
		fmt.Sprintf("Generated: %s", r.now().Format("2006-01-02 15:04")),
		fmt.Sprintf("Case: %s", res.CaseID),
		fmt.Sprintf("Patient: %s", res.PatientID),
		fmt.Sprintf("Tier: %s (risk %d, complexity %d)", res.Tier, res.Score.Risk, res.Score.Complexity),
	}
	for _, h := range header {
		if err := p.line(h, 15); err != nil {
			return nil, err
		}
	}
	if err := p.paragraph("Complaint: "+res.Complaint, 14); err != nil {
		return nil, err
	}
	if res.Rationale != "" {
		if err := p.paragraph("Why: "+res.Rationale, 14); err != nil {
			return nil, err
		}
	}

	if res.CriticalFindings {
		if err := p.heading("CRITICAL FINDINGS: immediate review required"); err != nil {
			return nil, err
		}
		for _, sig := range res.CriticalSignals {
			if err := p.paragraph("- "+sig, 13); err != nil {
				return nil, err
			}
		}
	}

	if len(res.SourceErrors) > 0 {
		if err := p.heading("Unavailable data"); err != nil {
			return nil, err
		}
		for _, f := range res.SourceErrors {
			if err := p.paragraph(fmt.Sprintf("- %s: %s", f.Source, f.Reason), 13); err != nil {
				return nil, err
			}
		}
	}

	if err := p.heading("Assessment"); err != nil {
		return nil, err
	}
	for _, raw := range strings.Split(res.Narrative, "\n") {
		text := strings.TrimSpace(raw)
		if strings.HasPrefix(text, "#") {
			if err := p.heading(strings.TrimSpace(strings.TrimLeft(text, "#"))); err != nil {
				return nil, err
			}
			continue
		}
		if err := p.paragraph(strings.ReplaceAll(text, "**", ""), 13); err != nil {
			return nil, err
		}
	}

	if d, ok := res.FinalDraft(); ok && d.Scored {
		pdf.Br(10)
		if err := p.font(9); err != nil {
			return nil, err
		}
		if err := p.line(fmt.Sprintf("Review score %.1f/10 after %d draft(s)", d.Score, len(res.Drafts)), 12); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}
