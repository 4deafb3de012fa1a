package livetranscribe

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// dedupeTrim is stripped from both ends before comparing.
const dedupeTrim = " \t\r\n.,!?;:\"'()[]{}"

// DedupeEmitter forwards segment text unless it repeats the previously
// emitted text, ignoring case and surrounding punctuation.
type DedupeEmitter struct {
	mu       sync.Mutex
	last     string // normalized form of the last emitted text
	emit     func(text string)
	onDedupe func(text string)
}

// NewDedupeEmitter creates an emitter that calls emit for new text and
// onDedupe (optional) for suppressed text.
func NewDedupeEmitter(emit, onDedupe func(text string)) *DedupeEmitter {
	return &DedupeEmitter{
		emit:     emit,
		onDedupe: onDedupe,
	}
}

// Normalize returns the comparison form of text: NFC, lower case, and
// trimmed of surrounding whitespace and punctuation.
func Normalize(text string) string {
	return strings.Trim(cases.Lower(language.Und).String(norm.NFC.String(text)), dedupeTrim)
}

// Offer passes text through the filter and reports whether it was emitted.
func (d *DedupeEmitter) Offer(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	d.mu.Lock()
	candidate := Normalize(text)
	if candidate == d.last {
		d.mu.Unlock()
		if d.onDedupe != nil {
			d.onDedupe(text)
		}
		return false
	}
	d.last = candidate
	d.mu.Unlock()

	if d.emit != nil {
		d.emit(text)
	}
	return true
}

// Reset forgets the last emitted text.
func (d *DedupeEmitter) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
}
