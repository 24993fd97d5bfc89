package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
)

// outputWriter is used for printing output, can be overridden in tests
var outputWriter io.Writer = os.Stdout

// setOutputWriter sets the output writer (used for testing)
func setOutputWriter(w io.Writer) {
	outputWriter = w
}

// resetOutputWriter resets output to stdout (used for testing)
func resetOutputWriter() {
	outputWriter = os.Stdout
}

// printHeader prints a formatted header
func printHeader(format string, args ...interface{}) {
	title := fmt.Sprintf(format, args...)
	width := runewidth.StringWidth(title) + 4
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
	fmt.Fprintf(outputWriter, "  %s\n", color.Bold.Sprint(title))
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
}

// printSection prints a section header
func printSection(title string) {
	fmt.Fprintf(outputWriter, "[%s]\n", color.Cyan.Sprint(title))
	fmt.Fprintln(outputWriter, strings.Repeat("-", runewidth.StringWidth(title)+2))
}

// fields is an insertion ordered set of label/value lines.
type fields = orderedmap.OrderedMap[string, string]

func newFields() *fields {
	return orderedmap.NewOrderedMap[string, string]()
}

// printFields prints label/value lines with the values aligned.
func printFields(f *fields) {
	width := 0
	for el := f.Front(); el != nil; el = el.Next() {
		if w := runewidth.StringWidth(el.Key); w > width {
			width = w
		}
	}
	for el := f.Front(); el != nil; el = el.Next() {
		fmt.Fprintf(outputWriter, "  %s  %s\n", runewidth.FillRight(el.Key+":", width+1), el.Value)
	}
}

// printSections prints every section of an ordered section map in order.
func printSections(sections *orderedmap.OrderedMap[string, *fields]) {
	first := true
	for el := sections.Front(); el != nil; el = el.Next() {
		if !first {
			fmt.Fprintln(outputWriter)
		}
		first = false
		printSection(el.Key)
		printFields(el.Value)
	}
}

// printTable prints rows under headers with columns padded to their widest
// cell. The cell in stateCol, if non-negative, is colored by run state.
func printTable(headers []string, rows [][]string, stateCol int) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	line := func(cells []string, colored bool) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := runewidth.FillRight(cell, widths[i])
			if colored && i == stateCol {
				padded = stateColor(cell).Sprint(padded)
			}
			parts[i] = padded
		}
		fmt.Fprintf(outputWriter, "  %s\n", strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers, false)
	sep := make([]string, len(headers))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	line(sep, false)
	for _, row := range rows {
		line(row, true)
	}
}

// stateColor picks the display color of a run or pair state.
func stateColor(state string) color.Color {
	switch state {
	case "converged", "verified-high-inlier", "ok":
		return color.Green
	case "diverged", "failed", "rejected":
		return color.Red
	case "exhausted", "interrupted", "verified-low-inlier", "budget", "diminishing-growth":
		return color.Yellow
	}
	return color.Normal
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
