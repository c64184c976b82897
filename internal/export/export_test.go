package export

import (
	"strings"
	"testing"
	"time"
)

func TestRenderSheetHTML(t *testing.T) {
	data := SheetData{
		SongTitle:       "Amazing Grace",
		Artist:          "John Newton",
		ArrangementName: "Acoustic",
		Key:             "G",
		Tempo:           72,
		Capo:            2,
		TimeSignature:   "3/4",
		ChordContent:    "[G]Amazing [C]grace how [G]sweet the sound",
		Tags:            []string{"hymn", "acoustic"},
		Coauthors:       []string{"maria", "tomas"},
		Copyright:       "Public Domain",
		UpdatedAt:       time.Now(),
	}

	html, err := RenderSheetHTML(data)
	if err != nil {
		t.Fatalf("RenderSheetHTML() error = %v", err)
	}

	for _, want := range []string{
		"Amazing Grace",
		"John Newton",
		"Acoustic",
		"Key of <strong>G</strong>",
		"72",
		"Capo <strong>2</strong>",
		"3/4",
		"sweet the sound",
		"hymn, acoustic",
		"Arranged by maria, tomas",
		"Public Domain",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderSheetHTMLEscapesContent(t *testing.T) {
	data := SheetData{
		SongTitle:       "Title <script>alert(1)</script>",
		ArrangementName: "Default",
		ChordContent:    "<b>not bold</b>",
	}

	html, err := RenderSheetHTML(data)
	if err != nil {
		t.Fatalf("RenderSheetHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Fatal("title must be HTML-escaped")
	}
	if strings.Contains(html, "<b>not bold</b>") {
		t.Fatal("chord content must be HTML-escaped")
	}
}

func TestRenderSheetHTMLOmitsEmptySections(t *testing.T) {
	data := SheetData{
		SongTitle:       "Bare",
		ArrangementName: "Default",
		ChordContent:    "[C] [F] [G]",
	}

	html, err := RenderSheetHTML(data)
	if err != nil {
		t.Fatalf("RenderSheetHTML() error = %v", err)
	}
	for _, absent := range []string{"Key of", "bpm", "Capo", "Arranged by"} {
		if strings.Contains(html, absent) {
			t.Errorf("rendered HTML should not contain %q for empty data", absent)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Amazing Grace", "Amazing-Grace"},
		{"What / A ? Name", "What--A--Name"},
		{"", "sheet"},
		{"___", "___"},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilenameLimitsLength(t *testing.T) {
	long := strings.Repeat("a", 80)
	if got := sanitizeFilename(long); len(got) != 50 {
		t.Fatalf("expected 50 characters, got %d", len(got))
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc123", "abc123"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"<html>", "%3Chtml%3E"},
	}
	for _, tc := range cases {
		if got := percentEncodeForDataURL(tc.in); got != tc.want {
			t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
