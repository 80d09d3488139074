package report

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// Render formats Markdown for a terminal of the given width. A header-less
// report gets the table header prepended so it renders as a table.
func Render(markdown string, width int) (string, error) {
	if width <= 0 {
		width = 100
	}

	if len(markdown) > 0 && !hasHeader(markdown) {
		markdown = Header() + markdown
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("report: markdown renderer: %w", err)
	}

	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}

	return out, nil
}

// RenderFile renders the report file at path.
func RenderFile(path string, width int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("report: read %s: %w", path, err)
	}

	return Render(string(data), width)
}

func hasHeader(markdown string) bool {
	n := len(HeaderLines[0])
	return len(markdown) >= n && markdown[:n] == HeaderLines[0]
}
