package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSong        ResultType = "song"
	ResultArrangement ResultType = "arrangement"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	SongID  string     `json:"songId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexSong(s SongRecord) error
	IndexArrangement(a ArrangementRecord) error
	DeleteSong(id string) error
	DeleteArrangement(id string) error
}

// SongRecord is the data we index for a song.
type SongRecord struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Artist string   `json:"artist"`
	Themes []string `json:"themes"`
	Lyrics string   `json:"lyrics"`
}

// ArrangementRecord is the data we index for an arrangement.
type ArrangementRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Key          string   `json:"key"`
	Tags         []string `json:"tags"`
	ChordContent string   `json:"chordContent"`
	SongID       string   `json:"songId"`
}
