package notes

import (
	"fmt"
	"strings"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/analysis"
)

// Separator sits between two analysis blocks appended to the same note:
// one blank line, a horizontal rule, one blank line.
const Separator = "\n\n---\n\n"

// Render produces the markdown block for one analysis result. Pure and
// deterministic: the same result always renders to identical bytes, with
// no trailing newline. The metrics table is part of the insights text
// already, so it is not rendered twice.
func Render(result *analysis.Result) string {
	sections := make([]string, 0, 3)
	sections = append(sections, "## Garmin Analysis ("+result.Timestamp.Format("15:04")+")")

	if text := strings.TrimSpace(result.Insights); text != "" {
		sections = append(sections, text)
	}

	if len(result.Charts) > 0 {
		images := make([]string, 0, len(result.Charts))
		for _, chart := range result.Charts {
			images = append(images, fmt.Sprintf("![%s](%s)", chart.Title, chart.URL))
		}
		sections = append(sections, strings.Join(images, "\n"))
	}

	return strings.Join(sections, "\n\n")
}

// NotePathFor resolves a daily-note layout like "Daily/2006-01-02.md"
// against the given day.
func NotePathFor(layout string, day time.Time) string {
	return day.Format(layout)
}
