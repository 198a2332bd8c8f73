// Package export writes tabular artifacts (CSV or XLSX) and stores them in a
// local directory or an S3 bucket.
package export

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"erp-workflow/internal/apperrors"
)

// Format is an artifact file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

// ParseFormat accepts "csv" and "xlsx" in any case; empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", CSV:
		return CSV, nil
	case XLSX:
		return XLSX, nil
	}
	return "", apperrors.Wrapf(apperrors.ErrValidation, "unsupported export format %q", s)
}

// Extension is the file extension without the dot.
func (f Format) Extension() string {
	return string(f)
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	if f == XLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Writer writes rows of cells. Close flushes the artifact to the underlying writer.
type Writer interface {
	Write(row []string) error
	Close() error
}

// NewWriter returns a Writer for f. sheet names the XLSX worksheet and is
// ignored for CSV.
func NewWriter(f Format, w io.Writer, sheet string) (Writer, error) {
	switch f {
	case CSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	case XLSX:
		return newXLSXWriter(w, sheet)
	}
	return nil, apperrors.Wrapf(apperrors.ErrValidation, "unsupported export format %q", f)
}

type csvWriter struct {
	w *csv.Writer
}

func (c *csvWriter) Write(row []string) error {
	return c.w.Write(row)
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

type xlsxWriter struct {
	out    io.Writer
	file   *excelize.File
	stream *excelize.StreamWriter
	row    int
}

func newXLSXWriter(out io.Writer, sheet string) (*xlsxWriter, error) {
	if sheet == "" {
		sheet = "Sheet1"
	}
	f := excelize.NewFile()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "failed to name worksheet")
		}
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to open worksheet stream")
	}
	return &xlsxWriter{out: out, file: f, stream: sw}, nil
}

func (x *xlsxWriter) Write(row []string) error {
	x.row++
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	return x.stream.SetRow(cell, values)
}

func (x *xlsxWriter) Close() error {
	defer x.file.Close()
	if err := x.stream.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush worksheet")
	}
	if err := x.file.Write(x.out); err != nil {
		return errors.Wrap(err, "failed to write workbook")
	}
	return nil
}
