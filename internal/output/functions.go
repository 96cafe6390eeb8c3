package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tanq16/parcel/internal/transfer"
	"github.com/tanq16/parcel/internal/utils"
	"golang.org/x/term"
)

func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	bar += strings.Repeat(" ", width-filled)
	bar += StyleSymbols["bullet"]
	return fmt.Sprintf("%s %.1f%%", bar, percent*100)
}

// TransferLine renders the single progress line of a part transfer:
// bar, percent, bytes, speed, ETA and completed parts.
func TransferLine(s transfer.Snapshot) string {
	sep := " " + StyleSymbols["bullet"] + " "
	return strings.Join([]string{
		ProgressBar(s.TransferredBytes, s.TotalBytes, 30),
		fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(s.TransferredBytes)), utils.FormatBytes(uint64(s.TotalBytes))),
		utils.FormatSpeed(s.AvgSpeed),
		"ETA " + utils.FormatETA(s.ETA),
		fmt.Sprintf("%d/%d parts", s.CompletedParts, s.TotalParts),
	}, sep)
}

// ArchiveLine renders archiver progress by entries processed.
func ArchiveLine(done, total int) string {
	return fmt.Sprintf("%s %s %d/%d entries", ProgressBar(int64(done), int64(total), 30), StyleSymbols["bullet"], done, total)
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func getTerminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

func wrapText(text string, indent int) []string {
	termWidth, _ := getTerminalSize()
	maxWidth := termWidth - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	width := 0
	for _, r := range text {
		if width+1 > maxWidth {
			lines = append(lines, current.String())
			current.Reset()
			width = 0
		}
		current.WriteRune(r)
		width++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
