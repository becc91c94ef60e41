package cli

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	tablePadding   = 2
	maxCellWidth   = 48
	truncateMarker = "…"
)

// writeTable writes rows as space-aligned columns. Widths are measured in
// display cells with ANSI sequences ignored, so colored badges line up.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		colCount = max(colCount, len(row))
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for idx, cell := range row {
			widths[idx] = max(widths[idx], displayWidth(cell))
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	w := bufio.NewWriter(out)
	emit := func(row []string) error {
		var line strings.Builder
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			line.WriteString(cell)
			if idx < colCount-1 {
				line.WriteString(strings.Repeat(" ", widths[idx]-displayWidth(cell)+tablePadding))
			}
		}
		line.WriteByte('\n')
		_, err := w.WriteString(strings.TrimRight(line.String(), " \n") + "\n")
		return err
	}

	if len(headers) > 0 {
		if err := emit(headers); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := emit(row); err != nil {
			return err
		}
	}
	return w.Flush()
}

func displayWidth(value string) int {
	return runewidth.StringWidth(stripANSI(value))
}

// truncateCell shortens plain text to maxCellWidth display cells.
func truncateCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return runewidth.Truncate(value, maxCellWidth, truncateMarker)
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatOptional(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

// stripANSI removes CSI escape sequences.
func stripANSI(value string) string {
	if !strings.Contains(value, "\x1b[") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		for i += 2; i < len(value); i++ {
			if ch := value[i]; ch >= 0x40 && ch <= 0x7e {
				break
			}
		}
	}
	return b.String()
}
