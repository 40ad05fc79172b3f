package epdriver

import (
	"regexp"
	"strings"
)

// Table conversion modes. There is no markdown-rendering dependency
// anywhere in this module's third-party stack (see DESIGN.md), so this
// is implemented over stdlib regexp, matching the pipe-table shape
// GitHub-flavored markdown produces.
const (
	TableModeOff    = ""
	TableModePlain  = "plain"  // flatten each row to "col: value" lines
	TableModeASCII  = "ascii"  // box-draw the table with padded columns
)

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// protectThinkTags replaces every <think>...</think> span with an
// opaque placeholder token and returns the rewritten text plus the
// extracted spans, so a later restoreThinkTags call can put them back
// untouched by any transform run in between (spec.md §4.8.1).
func protectThinkTags(text string) (rewritten string, spans []string) {
	spans = thinkTagRe.FindAllString(text, -1)
	if len(spans) == 0 {
		return text, nil
	}
	i := 0
	rewritten = thinkTagRe.ReplaceAllStringFunc(text, func(string) string {
		tok := thinkPlaceholder(i)
		i++
		return tok
	})
	return rewritten, spans
}

func restoreThinkTags(text string, spans []string) string {
	for i, span := range spans {
		text = strings.Replace(text, thinkPlaceholder(i), span, 1)
	}
	return text
}

func thinkPlaceholder(i int) string {
	return "\x00THINK_BLOCK_" + itoa(i) + "\x00"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

var tableRowRe = regexp.MustCompile(`(?m)^\|.*\|[ \t]*$`)
var tableSepRe = regexp.MustCompile(`^\|[ \t]*:?-{1,}:?[ \t]*(\|[ \t]*:?-{1,}:?[ \t]*)*\|[ \t]*$`)

// convertMarkdownTables rewrites every GFM pipe-table in text per mode.
// Tables are detected as a header row immediately followed by a
// separator row (---|---|...), then zero or more data rows.
func convertMarkdownTables(text, mode string) string {
	if mode == TableModeOff {
		return text
	}
	lines := strings.Split(text, "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		if i+1 < len(lines) && tableRowRe.MatchString(lines[i]) && tableSepRe.MatchString(strings.TrimSpace(lines[i+1])) {
			header := splitRow(lines[i])
			j := i + 2
			var rows [][]string
			for j < len(lines) && tableRowRe.MatchString(lines[j]) {
				rows = append(rows, splitRow(lines[j]))
				j++
			}
			out = append(out, renderTable(header, rows, mode)...)
			i = j - 1
			continue
		}
		out = append(out, lines[i])
	}
	return strings.Join(out, "\n")
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func renderTable(header []string, rows [][]string, mode string) []string {
	switch mode {
	case TableModeASCII:
		return renderASCIITable(header, rows)
	default:
		return renderPlainTable(header, rows)
	}
}

func renderPlainTable(header []string, rows [][]string) []string {
	var out []string
	for _, row := range rows {
		var parts []string
		for i, cell := range row {
			col := "列" + itoa(i+1)
			if i < len(header) && header[i] != "" {
				col = header[i]
			}
			parts = append(parts, col+": "+cell)
		}
		out = append(out, strings.Join(parts, "  "))
	}
	return out
}

func renderASCIITable(header []string, rows [][]string) []string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runeLen(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && runeLen(cell) > widths[i] {
				widths[i] = runeLen(cell)
			}
		}
	}
	var out []string
	out = append(out, renderASCIIRow(header, widths))
	out = append(out, renderASCIISep(widths))
	for _, row := range rows {
		out = append(out, renderASCIIRow(row, widths))
	}
	return out
}

func renderASCIIRow(cells []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		b.WriteString(" " + padRight(cell, widths[i]) + " |")
	}
	return b.String()
}

func renderASCIISep(widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for _, w := range widths {
		b.WriteString(" " + strings.Repeat("-", w) + " |")
	}
	return b.String()
}

func padRight(s string, w int) string {
	n := w - runeLen(s)
	if n <= 0 {
		return s
	}
	return s + strings.Repeat(" ", n)
}

func runeLen(s string) int {
	return len([]rune(s))
}
