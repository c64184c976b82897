// Package content defines the closed set of versionable content kinds and
// their typed field snapshots. A snapshot covers exactly the editable fields
// of a song or arrangement; ownership and authorship columns are never part
// of it.
package content

import (
	"encoding/json"
	"fmt"
	"slices"
)

type Type string

const (
	TypeSong        Type = "song"
	TypeArrangement Type = "arrangement"
)

// ParseType maps a wire string to a content type. Unknown strings are
// rejected so the dispatchers stay exhaustive.
func ParseType(raw string) (Type, bool) {
	switch Type(raw) {
	case TypeSong, TypeArrangement:
		return Type(raw), true
	default:
		return "", false
	}
}

// SongSnapshot holds the editable fields of a song.
type SongSnapshot struct {
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Themes    []string `json:"themes"`
	Copyright string   `json:"copyright"`
	Lyrics    string   `json:"lyrics"`
}

// Equal reports structural equality. Change detection uses this rather than
// comparing serialized forms, so key ordering can never fake a change.
func (s SongSnapshot) Equal(other SongSnapshot) bool {
	return s.Title == other.Title &&
		s.Artist == other.Artist &&
		slices.Equal(s.Themes, other.Themes) &&
		s.Copyright == other.Copyright &&
		s.Lyrics == other.Lyrics
}

func (s SongSnapshot) Encode() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode song snapshot: %w", err)
	}
	return string(payload), nil
}

func DecodeSongSnapshot(raw string) (SongSnapshot, error) {
	var snap SongSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return SongSnapshot{}, fmt.Errorf("decode song snapshot: %w", err)
	}
	return snap, nil
}

// ArrangementSnapshot holds the editable fields of an arrangement.
type ArrangementSnapshot struct {
	Name          string   `json:"name"`
	Key           string   `json:"key"`
	Tempo         int      `json:"tempo"`
	Capo          int      `json:"capo"`
	TimeSignature string   `json:"timeSignature"`
	ChordContent  string   `json:"chordContent"`
	Tags          []string `json:"tags"`
}

func (a ArrangementSnapshot) Equal(other ArrangementSnapshot) bool {
	return a.Name == other.Name &&
		a.Key == other.Key &&
		a.Tempo == other.Tempo &&
		a.Capo == other.Capo &&
		a.TimeSignature == other.TimeSignature &&
		a.ChordContent == other.ChordContent &&
		slices.Equal(a.Tags, other.Tags)
}

func (a ArrangementSnapshot) Encode() (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode arrangement snapshot: %w", err)
	}
	return string(payload), nil
}

func DecodeArrangementSnapshot(raw string) (ArrangementSnapshot, error) {
	var snap ArrangementSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return ArrangementSnapshot{}, fmt.Errorf("decode arrangement snapshot: %w", err)
	}
	return snap, nil
}
