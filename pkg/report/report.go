package report

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"

	"virtualfit/pkg/job"
)

var (
	// ErrReportCreationFailed is returned when PDF creation fails
	ErrReportCreationFailed = errors.New("report creation failed")

	// ErrNotCompleted is returned for jobs without a result
	ErrNotCompleted = errors.New("job is not completed")
)

// Config holds configuration for report generation
type Config struct {
	FontDir         string  // directory holding FontFile; empty uses the core Helvetica font
	FontFile        string  // UTF-8 TrueType font, needed for non-Latin descriptions
	FontSize        float64 // Font size
	LineHeight      float64 // Line height
	Margin          float64 // Page margin in mm
	PageOrientation string  // P for portrait, L for landscape
	PageSize        string  // A4, Letter, ...
	PreviewSize     int     // longest side of embedded images in pixels
	Title           string
	Author          string
}

// DefaultConfig returns a default report configuration
func DefaultConfig() Config {
	return Config{
		FontSize:        11,
		LineHeight:      6,
		Margin:          15,
		PageOrientation: "P",
		PageSize:        "A4",
		PreviewSize:     800,
		Title:           "Virtual try-on result",
		Author:          "virtualfit",
	}
}

// Write renders a PDF for a completed job: job metadata, the product
// description and previews of the result and both inputs.
func Write(w io.Writer, j job.Job, cfg Config) error {
	if j.Status != job.StatusCompleted || len(j.Result) == 0 {
		return ErrNotCompleted
	}

	pdf := gofpdf.New(cfg.PageOrientation, "mm", cfg.PageSize, "")
	pdf.SetTitle(cfg.Title, true)
	pdf.SetAuthor(cfg.Author, true)
	pdf.SetCreator("virtualfit", true)

	font := "Helvetica"
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if cfg.FontFile != "" {
		font = "Body"
		pdf.SetFontLocation(cfg.FontDir)
		pdf.AddUTF8Font(font, "", cfg.FontFile)
		tr = func(s string) string { return s }
	}

	pdf.SetMargins(cfg.Margin, cfg.Margin, cfg.Margin)
	pdf.SetAutoPageBreak(true, cfg.Margin)
	pdf.AddPage()
	pdf.SetFont(font, "", cfg.FontSize)

	pdf.CellFormat(0, 10, fmt.Sprintf("Created: %s", time.Now().Format("2006-01-02")), "", 0, "R", false, 0, "")
	pdf.Ln(12)

	pdf.SetFont(font, "", cfg.FontSize+5)
	pdf.CellFormat(0, 10, tr(cfg.Title), "", 1, "L", false, 0, "")
	pdf.SetFont(font, "", cfg.FontSize)

	rows := [][2]string{
		{"Job", j.ID},
		{"Submitted", j.CreatedAt.UTC().Format(time.RFC3339)},
		{"Completed", j.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	for _, r := range rows {
		pdf.CellFormat(30, cfg.LineHeight, r[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(0, cfg.LineHeight, tr(r[1]), "", 1, "L", false, 0, "")
	}
	if j.Input.Description != "" {
		pdf.Ln(4)
		pdf.MultiCell(0, cfg.LineHeight, tr(j.Input.Description), "", "", false)
	}
	pdf.Ln(6)

	pageW, pageH := pdf.GetPageSize()
	width := pageW - 2*cfg.Margin
	if err := addPreview(pdf, "result", j.Result, cfg.PreviewSize, width); err != nil {
		return fmt.Errorf("%w: result image: %v", ErrReportCreationFailed, err)
	}

	// inputs are shown side by side; undecodable ones are skipped
	maxH := pageH / 3
	y := pdf.GetY() + 5
	if y+maxH > pageH-cfg.Margin {
		pdf.AddPage()
		y = cfg.Margin
	}
	x := cfg.Margin
	half := (width - 5) / 2
	for _, in := range []struct {
		name string
		data []byte
	}{{"subject", j.Input.Subject.Data}, {"reference", j.Input.Reference.Data}} {
		info, err := registerPreview(pdf, in.name, in.data, cfg.PreviewSize)
		if err != nil {
			continue
		}
		w := half
		if info.Width() > 0 && w*info.Height()/info.Width() > maxH {
			w = maxH * info.Width() / info.Height()
		}
		pdf.ImageOptions(in.name, x, y, w, 0, false, gofpdf.ImageOptions{ImageType: "JPG"}, 0, "")
		x += half + 5
	}

	nPages := pdf.PageCount()
	for pageNum := 1; pageNum <= nPages; pageNum++ {
		pdf.SetPage(pageNum)
		pdf.SetY(-cfg.Margin)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of %d", pageNum, nPages), "", 0, "C", false, 0, "")
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("%w: %v", ErrReportCreationFailed, err)
	}
	return nil
}

// addPreview places an image at the cursor, at most width wide and half a page tall.
func addPreview(pdf *gofpdf.Fpdf, name string, data []byte, size int, width float64) error {
	info, err := registerPreview(pdf, name, data, size)
	if err != nil {
		return err
	}
	_, pageH := pdf.GetPageSize()
	if maxH := pageH / 2; info.Width() > 0 && width*info.Height()/info.Width() > maxH {
		width = maxH * info.Width() / info.Height()
	}
	pdf.ImageOptions(name, pdf.GetX(), pdf.GetY(), width, 0, true, gofpdf.ImageOptions{ImageType: "JPG"}, 0, "")
	return nil
}

// registerPreview scales an image down to size and registers it as a JPEG.
func registerPreview(pdf *gofpdf.Fpdf, name string, data []byte, size int) (*gofpdf.ImageInfoType, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if size > 0 {
		img = imaging.Fit(img, size, size, imaging.Lanczos)
	}

	// JPEG has no alpha; flatten onto white
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	flat := imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	info := pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "JPG"}, &buf)
	if err := pdf.Error(); err != nil {
		return nil, err
	}
	return info, nil
}
