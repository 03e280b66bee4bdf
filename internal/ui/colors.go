// Package ui styles terminal output. Styling is switched off when stdout is
// not a terminal or NO_COLOR is set, so piped output stays plain.
package ui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI sequences for CLI output. Empty when color is disabled.
var (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"

	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[97m"
	ColorRed    = "\033[31m"
)

func init() {
	_, noColor := os.LookupEnv("NO_COLOR")
	if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		SetColor(false)
	}
}

// SetColor turns styling on or off.
func SetColor(on bool) {
	if on {
		ColorReset, ColorBold, ColorDim = "\033[0m", "\033[1m", "\033[2m"
		ColorCyan, ColorGreen, ColorYellow = "\033[36m", "\033[32m", "\033[33m"
		ColorWhite, ColorRed = "\033[97m", "\033[31m"
		return
	}
	ColorReset, ColorBold, ColorDim = "", "", ""
	ColorCyan, ColorGreen, ColorYellow = "", "", ""
	ColorWhite, ColorRed = "", ""
}

func Bold(s string) string {
	return ColorBold + s + ColorReset
}

func Success(s string) string {
	return ColorGreen + s + ColorReset
}

func Info(s string) string {
	return ColorDim + ColorYellow + s + ColorReset
}

func Error(s string) string {
	return ColorRed + s + ColorReset
}
