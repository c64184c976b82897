package export

import "fmt"

// Service renders chord sheets into downloadable files.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Sheet renders the chord sheet for an arrangement in the requested format.
func (s *Service) Sheet(data SheetData, format Format) (*Result, error) {
	html, err := RenderSheetHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		title := data.SongTitle
		if data.ArrangementName != "" {
			title = data.SongTitle + " " + data.ArrangementName
		}
		return exportPDF(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
