// Package ui renders human-facing CLI output. Colors are used only when
// the output is a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/contree/broker/internal/schema"
)

var (
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")
	colorAccent  = lipgloss.Color("#20B9B4")
)

// Printer writes styled lines to an output.
type Printer struct {
	w     io.Writer
	color bool

	title   lipgloss.Style
	key     lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

// New returns a Printer for w.
func New(w io.Writer) *Printer {
	color := IsTerminal(w) && os.Getenv("NO_COLOR") == ""
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		w:       w,
		color:   color,
		title:   r.NewStyle().Bold(true).Foreground(colorAccent),
		key:     r.NewStyle().Foreground(colorMuted),
		muted:   r.NewStyle().Foreground(colorMuted),
		success: r.NewStyle().Foreground(colorSuccess),
		warning: r.NewStyle().Foreground(colorWarning),
		failure: r.NewStyle().Foreground(colorError).Bold(true),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Color reports whether the printer emits ANSI styling.
func (p *Printer) Color() bool { return p.color }

// Title prints a heading.
func (p *Printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf(format, args...)))
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.success.Render("✓"), fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.warning.Render("⚠"), fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.failure.Render("✗"), fmt.Sprintf(format, args...))
}

// Line prints an unstyled line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Field prints an aligned "key: value" line.
func (p *Printer) Field(key string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.key.Render(fmt.Sprintf("%-16s", key+":")), value)
}

// Muted renders s de-emphasized.
func (p *Printer) Muted(s string) string {
	return p.muted.Render(s)
}

// State renders an operation state in its color.
func (p *Printer) State(s schema.State) string {
	label := fmt.Sprintf("%-9s", string(s))
	switch s {
	case schema.StateSuccess:
		return p.success.Render(label)
	case schema.StateFailed:
		return p.failure.Render(label)
	case schema.StateCancelled:
		return p.warning.Render(label)
	default:
		return p.muted.Render(label)
	}
}

// Operation prints a one-line summary of an operation.
func (p *Printer) Operation(op schema.Operation) {
	var b strings.Builder
	b.WriteString(p.State(op.State))
	b.WriteString(" ")
	b.WriteString(op.ID)
	if op.Result != nil {
		fmt.Fprintf(&b, "  exit=%d", op.Result.ExitCode)
		if op.Result.TimedOut {
			b.WriteString(" (timed out)")
		}
		if op.Result.ResultImage != "" {
			fmt.Fprintf(&b, "  image=%s", op.Result.ResultImage)
		}
		if op.Result.Error != "" {
			fmt.Fprintf(&b, "  %s", p.Muted(op.Result.Error))
		}
	}
	fmt.Fprintln(p.w, b.String())
}

// Bytes formats a byte count for humans.
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
