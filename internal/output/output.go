// Package output provides formatted status output for remote sessions.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds step counters for the recap line.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// Output handles formatted output. It is safe for concurrent use.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// Discard returns an Output that writes nowhere.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Connected announces a newly established session.
func (o *Output) Connected(host string) {
	o.printf("%s %s\n", o.color(colorGreen, "SSH connection established with"), o.color(colorBold, host))
}

// Step prints one status line for a step of a larger operation.
// Format:    - <message padded to 40> : <status>
func (o *Output) Step(message, status string) {
	o.printf("   - %-40s : %s\n", message, o.color(statusColor(status), status))
}

// StepDetail prints a step line followed by an indented detail in debug mode.
func (o *Output) StepDetail(message, status, detail string) {
	o.Step(message, status)
	if o.debug && detail != "" {
		for _, line := range strings.Split(strings.TrimSpace(detail), "\n") {
			o.printf("       %s %s\n", o.color(colorGray, "→"), line)
		}
	}
}

// statusColor picks a color from the leading word of a status.
func statusColor(status string) string {
	s := strings.ToLower(status)
	switch {
	case strings.HasPrefix(s, "ok"),
		strings.HasPrefix(s, "done"),
		strings.HasPrefix(s, "installed"),
		strings.HasPrefix(s, "enabled"),
		strings.HasPrefix(s, "already"):
		return colorGreen
	case strings.HasPrefix(s, "changed"), strings.HasPrefix(s, "added"):
		return colorYellow
	case strings.HasPrefix(s, "skipped"):
		return colorCyan
	case strings.HasPrefix(s, "failed"), strings.HasPrefix(s, "error"):
		return colorRed
	default:
		return colorGray
	}
}

// Recap prints the summary of an operation.
func (o *Output) Recap(host string, stats Stats) {
	o.printf("\n%s %s ", o.color(colorBold, "RECAP"), host)

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	changed := o.color(colorYellow, fmt.Sprintf("changed=%d", stats.GetChanged()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))

	o.printf("%s %s %s %s", ok, changed, failed, skipped)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
