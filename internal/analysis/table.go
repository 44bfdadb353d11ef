package analysis

import "strings"

// ExtractTable returns the first contiguous markdown table in text: a row
// line starting with "|", immediately followed by a separator line, then
// zero or more further rows. The block is returned verbatim; no table
// yields an empty string.
func ExtractTable(text string) string {
	lines := strings.Split(text, "\n")
	for i := 0; i+1 < len(lines); i++ {
		if !isTableRow(lines[i]) || !isSeparatorRow(lines[i+1]) {
			continue
		}
		end := i + 2
		for end < len(lines) && isTableRow(lines[end]) {
			end++
		}
		return strings.Join(lines[i:end], "\n")
	}
	return ""
}

func isTableRow(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "|")
}

// A separator row is all pipes, dashes, colons and spaces, with at least
// one dash, e.g. "|---|:---:|".
func isSeparatorRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "|") {
		return false
	}
	hasDash := false
	for _, r := range trimmed {
		switch r {
		case '|', ':', ' ', '\t':
		case '-':
			hasDash = true
		default:
			return false
		}
	}
	return hasDash
}
