// Package transcript keeps the ordered text lines of one transcription
// session and renders them for export.
package transcript

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Line is one emitted piece of text.
type Line struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
	Lang string    `json:"lang,omitempty"`

	// Start and End locate the line inside its source audio. They are set
	// only for file transcriptions, where HasRange is true.
	Start    time.Duration `json:"start,omitempty"`
	End      time.Duration `json:"end,omitempty"`
	HasRange bool          `json:"has_range,omitempty"`
}

// String renders the line the way it appears in an export.
func (l Line) String() string {
	if l.HasRange {
		return fmt.Sprintf("%7.2fs–%7.2fs: %s", l.Start.Seconds(), l.End.Seconds(), l.Text)
	}
	return fmt.Sprintf("[%s] %s", l.Time.Format("15:04:05"), l.Text)
}

var (
	// regexTimestamp matches inline timestamps like [00:00:00.000 --> 00:00:04.000].
	regexTimestamp = regexp.MustCompile(`\[\d{2}:\d{2}:\d{2}\.\d{3}\s-->\s\d{2}:\d{2}:\d{2}\.\d{3}\]`)
	// regexArtifact matches whole-line markers like [BLANK_AUDIO] or (music).
	regexArtifact = regexp.MustCompile(`^\s*[\[(][A-Za-z _]+[\])]\s*$`)
)

// Clean strips engine artifacts from text. A line that is nothing but a
// non-speech marker cleans to "".
func Clean(text string) string {
	text = regexTimestamp.ReplaceAllString(text, "")
	if regexArtifact.MatchString(text) {
		return ""
	}
	return strings.TrimSpace(text)
}

// Transcript is the line list of one session. It is safe for concurrent use.
type Transcript struct {
	mu    sync.Mutex
	label string
	lines []Line
}

// New creates an empty transcript with the given session label.
func New(label string) *Transcript {
	return &Transcript{label: label}
}

// Label returns the session label.
func (t *Transcript) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

// SetLabel renames the session, typically when a new session starts.
func (t *Transcript) SetLabel(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.label = label
}

// Append cleans the line text and adds it. Lines that clean to nothing are
// dropped and Append reports false. A zero Time is set to now.
func (t *Transcript) Append(l Line) (Line, bool) {
	l.Text = Clean(l.Text)
	if l.Text == "" {
		return l, false
	}
	if l.Time.IsZero() {
		l.Time = time.Now()
	}

	t.mu.Lock()
	t.lines = append(t.lines, l)
	t.mu.Unlock()
	return l, true
}

// Lines returns a copy of the lines in order.
func (t *Transcript) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// Len returns the number of lines.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}

// Clear removes every line and keeps the label.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = nil
}

// WriteTo writes the rendered lines, one per line, each newline terminated.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	return WriteLines(w, t.Lines())
}

// WriteLines renders lines to w the same way Transcript.WriteTo does.
func WriteLines(w io.Writer, lines []Line) (int64, error) {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// DefaultExportName returns the suggested file name for an export made at now.
func DefaultExportName(now time.Time) string {
	return "transcript_" + now.Format("20060102_150405") + ".txt"
}

// LiveLabel returns the label of a live session started at now.
func LiveLabel(now time.Time) string {
	return "live " + now.Format("2006-01-02 15:04:05")
}

// FileLabel returns the label of a file transcription.
func FileLabel(path string) string {
	return "file: " + path
}
