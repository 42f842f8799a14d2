package main

import (
	"fmt"
	"io"
	"os"
)

// ANSI styles for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// msgOut receives human-facing messages. Tables and data go to stdout.
var msgOut io.Writer = os.Stderr

func colorize(style, text string) string {
	if noColor {
		return text
	}
	return style + text + colorReset
}

func printLine(style, mark, format string, args []any) {
	fmt.Fprintln(msgOut, colorize(style, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { printLine(colorYellow, "!", format, args) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→", format, args) }

// printStatus prints an indented "Label: value" line for `bridge status`.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(msgOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
