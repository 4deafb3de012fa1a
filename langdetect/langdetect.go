// Package langdetect tags transcribed text with its language.
package langdetect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pemistahl/lingua-go"
)

// DefaultLanguages are used when New is called without codes.
var DefaultLanguages = []string{"de", "en"}

// ErrUnknownLanguage is returned for a code lingua does not support.
var ErrUnknownLanguage = errors.New("langdetect: unknown language code")

// Detector picks the most likely language out of a fixed candidate set.
// It is safe for concurrent use.
type Detector struct {
	detector lingua.LanguageDetector
	codes    []string
}

// New builds a detector restricted to the given ISO 639-1 codes.
// At least two distinct languages are required.
func New(codes ...string) (*Detector, error) {
	if len(codes) == 0 {
		codes = DefaultLanguages
	}

	seen := make(map[lingua.Language]bool)
	var langs []lingua.Language
	var norm []string
	for _, code := range codes {
		lang, ok := languageOf(code)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
		}
		if seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
		norm = append(norm, isoCode(lang))
	}
	if len(langs) < 2 {
		return nil, fmt.Errorf("langdetect: need at least two languages, got %v", codes)
	}

	return &Detector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(langs...).
			WithMinimumRelativeDistance(0.05).
			Build(),
		codes: norm,
	}, nil
}

// Languages returns the candidate codes.
func (d *Detector) Languages() []string {
	return append([]string(nil), d.codes...)
}

// Detect returns the lowercase ISO 639-1 code of text. ok is false for blank
// text or when no candidate is clearly ahead.
func (d *Detector) Detect(text string) (code string, ok bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return isoCode(lang), true
}

func languageOf(code string) (lingua.Language, bool) {
	code = strings.TrimSpace(code)
	for _, lang := range lingua.AllLanguages() {
		if strings.EqualFold(lang.IsoCode639_1().String(), code) {
			return lang, true
		}
	}
	return lingua.Unknown, false
}

func isoCode(lang lingua.Language) string {
	return strings.ToLower(lang.IsoCode639_1().String())
}
