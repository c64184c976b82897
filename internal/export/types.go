// Package export renders printable chord sheets as PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF Format = "pdf"
)

// SheetData holds everything the chord sheet template needs.
type SheetData struct {
	SongTitle       string
	Artist          string
	ArrangementName string
	Key             string
	Tempo           int
	Capo            int
	TimeSignature   string
	ChordContent    string
	Tags            []string
	Coauthors       []string
	Copyright       string
	UpdatedAt       time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
