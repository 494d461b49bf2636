package stats

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Render prints a report as plain text: totals, the overall status line and
// a per-subject table.
func Render(w io.Writer, r Report) error {
	lines := []string{
		"Summary",
		fmt.Sprintf("Total Classes: %d", r.Held),
		fmt.Sprintf("Present: %d", r.Present),
		fmt.Sprintf("Absent: %d", r.Absent),
		fmt.Sprintf("Overall Attendance: %s%%", r.PercentText),
		r.Status,
		"",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	if len(r.Subjects) == 0 {
		_, err := fmt.Fprintln(w, "No attendance data yet")
		return err
	}

	headers := []string{"Subject", "Held", "Present", "Attendance", fmt.Sprintf("Status (for %d%%)", r.Target)}
	rows := make([][]string, 0, len(r.Subjects))
	for _, s := range r.Subjects {
		pct := s.PercentText + "%"
		if s.Badge != BadgeNone {
			pct += " " + string(s.Badge)
		}
		rows = append(rows, []string{
			s.DisplayName,
			strconv.Itoa(s.Held),
			strconv.Itoa(s.Present),
			pct,
			s.Status,
		})
	}
	for _, line := range formatTable(headers, rows, map[int]bool{1: true, 2: true}) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatTable(headers []string, rows [][]string, rightAlign map[int]bool) []string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i := 0; i < len(widths) && i < len(row); i++ {
			if n := utf8.RuneCountInString(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, formatRow(headers, widths, rightAlign))
	for _, row := range rows {
		lines = append(lines, formatRow(row, widths, rightAlign))
	}
	return lines
}

func formatRow(row []string, widths []int, rightAlign map[int]bool) string {
	var b strings.Builder
	for i, width := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		if i > 0 {
			b.WriteString("  ")
		}
		pad := strings.Repeat(" ", width-utf8.RuneCountInString(cell))
		if rightAlign[i] {
			b.WriteString(pad + cell)
		} else {
			b.WriteString(cell + pad)
		}
	}
	return strings.TrimRight(b.String(), " ")
}
