package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/submit"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// formatFix renders a fix the way the form shows it: six decimals and whole
// metres of accuracy.
func formatFix(f location.Fix) string {
	return fmt.Sprintf("%.6f, %.6f ±%.0fm", f.Latitude, f.Longitude, f.AccuracyMeters)
}

func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func printOutcome(out submit.Outcome) {
	switch {
	case out.OK():
		printSuccess("%s (attempt %s)", out.Summary(), out.AttemptID)
	case out.Local():
		printWarning("%s", out.Summary())
	default:
		printError("%s", out.Summary())
	}
}
