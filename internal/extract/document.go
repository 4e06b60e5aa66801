package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/asset-pipeline/internal/fetch"
	"github.com/xuri/excelize/v2"
)

// maxSheetRows bounds rows read per spreadsheet sheet
const maxSheetRows = 5000

// extractDocument converts a downloaded document to plain text
func (d *Dispatcher) extractDocument(ctx context.Context, format DocumentFormat, body []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch format {
	case FormatPDF:
		text, err = d.pdfText(ctx, body)
	case FormatDOCX:
		text, err = docxText(body)
	case FormatXLSX:
		text, err = xlsxText(body)
	case FormatExcel:
		text, err = legacyExcelText(body)
	case FormatCSV:
		text, err = csvText(body)
	case FormatText, FormatMarkdown:
		text = plainText(body)
	case FormatHTML:
		text, err = fetch.ExtractMainText(plainText(body), fetch.DefaultTextSelectors())
	default:
		err = fmt.Errorf("no extractor for format %q", format)
	}
	if err != nil {
		return "", &ExtractionError{Family: FamilyDocument, Format: string(format), Message: "could not read document", Cause: err}
	}

	text = fetch.CleanWhitespace(text)
	if text == "" {
		return "", &ExtractionError{Family: FamilyDocument, Format: string(format), Message: "document contains no extractable text"}
	}
	return text, nil
}

// pdfText runs pdftotext over a temporary copy of the file
func (d *Dispatcher) pdfText(ctx context.Context, body []byte) (string, error) {
	tmp, err := os.CreateTemp("", "asset-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	res, err := d.runner.Run(ctx, d.pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", tmp.Name(), "-")
	if err != nil {
		return "", err
	}
	// pdftotext separates pages with form feeds
	return strings.ReplaceAll(string(res.Stdout), "\f", "\n\n"), nil
}

// docxText reads paragraph text from word/document.xml
func docxText(body []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("not a valid .docx archive: %w", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("word/document.xml not found in archive")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open document.xml: %w", err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// xlsxText renders every sheet as "Sheet: name" followed by pipe-joined rows
func xlsxText(body []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		sb.WriteString("Sheet: " + sheet + "\n")
		writeRows(&sb, rows)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// legacyExcelText handles files labelled application/vnd.ms-excel, which in
// practice are either xlsx archives or CSV exports
func legacyExcelText(body []byte) (string, error) {
	if bytes.HasPrefix(body, []byte("PK\x03\x04")) {
		return xlsxText(body)
	}
	if utf8.Valid(body) {
		return csvText(body)
	}
	return "", errors.New("binary .xls workbooks are not supported, save the file as .xlsx")
}

func csvText(body []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for len(rows) < maxSheetRows {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse CSV: %w", err)
		}
		rows = append(rows, rec)
	}

	var sb strings.Builder
	writeRows(&sb, rows)
	return sb.String(), nil
}

func writeRows(sb *strings.Builder, rows [][]string) {
	for i, row := range rows {
		if i >= maxSheetRows {
			break
		}
		cells := make([]string, 0, len(row))
		for _, c := range row {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) > 0 {
			sb.WriteString(strings.Join(cells, " | "))
			sb.WriteByte('\n')
		}
	}
}

func plainText(body []byte) string {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), "")
}
