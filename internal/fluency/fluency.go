// Package fluency turns a transcript and a recording length into a reading
// speed and a qualitative fluency band for a school grade.
//
// The grade thresholds live in a [Standards] table held by a [Scorer]. The
// table can be swapped at runtime (config hot reload) without locking
// callers that are scoring concurrently.
package fluency

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultGrade is used for grades missing from the table.
const DefaultGrade = "grade_1"

// Threshold holds the three WPM boundaries of one grade.
// Slow <= Target <= Good.
type Threshold struct {
	Slow   float64 `yaml:"slow" json:"slow"`
	Target float64 `yaml:"target" json:"target"`
	Good   float64 `yaml:"good" json:"good"`
}

// Standards maps grade keys (e.g. "grade_2") to thresholds.
type Standards map[string]Threshold

// DefaultStandards returns the built-in grade table.
func DefaultStandards() Standards {
	return Standards{
		"grade_r": {Slow: 0, Target: 10, Good: 20},
		"grade_1": {Slow: 10, Target: 30, Good: 50},
		"grade_2": {Slow: 30, Target: 60, Good: 90},
		"grade_3": {Slow: 60, Target: 90, Good: 120},
	}
}

// Grades returns the grade keys in sorted order.
func (s Standards) Grades() []string {
	return slices.Sorted(maps.Keys(s))
}

// Validate checks that every grade has ordered, non-negative thresholds and
// that [DefaultGrade] is present.
func (s Standards) Validate() error {
	var errs []error
	if _, ok := s[DefaultGrade]; !ok {
		errs = append(errs, fmt.Errorf("fluency: standards must define %q", DefaultGrade))
	}
	for _, g := range s.Grades() {
		t := s[g]
		if t.Slow < 0 || t.Slow > t.Target || t.Target > t.Good {
			errs = append(errs, fmt.Errorf("fluency: grade %q: thresholds must satisfy 0 <= slow <= target <= good, got %v/%v/%v", g, t.Slow, t.Target, t.Good))
		}
	}
	return errors.Join(errs...)
}

// Band is one of the four ordered fluency levels.
type Band int

const (
	NeedsSupport Band = iota
	Developing
	OnTrack
	Excellent
)

// bandInfo carries the fixed presentation attached to each band.
type bandInfo struct {
	name           string
	emoji          string
	color          string
	recommendation string
}

var bands = [...]bandInfo{
	NeedsSupport: {"Needs Support", "🐌", "#e74c3c", "Focus on sight words and guided reading practice."},
	Developing:   {"Developing", "📖", "#f39c12", "Continue with regular reading practice."},
	OnTrack:      {"On Track", "⭐", "#A7D36F", "Great progress! Focus on comprehension."},
	Excellent:    {"Excellent", "🏆", "#4834d4", "Outstanding fluency! Focus on advanced comprehension."},
}

// String returns the display name of the band.
func (b Band) String() string {
	if b < NeedsSupport || b > Excellent {
		return "unknown"
	}
	return bands[b].name
}

// Recommendation returns the fixed guidance text for the band.
func (b Band) Recommendation() string {
	if b < NeedsSupport || b > Excellent {
		return ""
	}
	return bands[b].recommendation
}

// Assessment is the outcome of scoring one reading.
type Assessment struct {
	Level          string  `json:"level"`
	Emoji          string  `json:"emoji"`
	Color          string  `json:"color"`
	WPM            float64 `json:"wpm"`
	TargetWPM      float64 `json:"target_wpm"`
	Recommendation string  `json:"recommendation"`

	Band Band `json:"-"`
}

// Classify maps wpm onto a band using t. Boundaries are inclusive on the
// lower end: wpm == t.Target is OnTrack.
func Classify(wpm float64, t Threshold) Band {
	switch {
	case wpm < t.Slow:
		return NeedsSupport
	case wpm < t.Target:
		return Developing
	case wpm < t.Good:
		return OnTrack
	default:
		return Excellent
	}
}

// Scorer scores readings against a swappable [Standards] table. The zero
// value is not usable; create one with [NewScorer].
type Scorer struct {
	standards atomic.Pointer[Standards]
}

// NewScorer returns a Scorer using s, or [DefaultStandards] when s is empty.
func NewScorer(s Standards) *Scorer {
	sc := &Scorer{}
	if len(s) == 0 {
		s = DefaultStandards()
	}
	sc.SetStandards(s)
	return sc
}

// SetStandards atomically replaces the table. s is copied.
func (sc *Scorer) SetStandards(s Standards) {
	cp := maps.Clone(s)
	sc.standards.Store(&cp)
}

// Standards returns a copy of the current table.
func (sc *Scorer) Standards() Standards {
	return maps.Clone(*sc.standards.Load())
}

// Threshold returns the thresholds for grade, falling back to [DefaultGrade]
// for unknown grades.
func (sc *Scorer) Threshold(grade string) Threshold {
	s := *sc.standards.Load()
	if t, ok := s[grade]; ok {
		return t
	}
	return s[DefaultGrade]
}

// Score assesses wpm for grade.
func (sc *Scorer) Score(wpm float64, grade string) Assessment {
	t := sc.Threshold(grade)
	b := Classify(wpm, t)
	info := bands[b]
	return Assessment{
		Level:          info.name,
		Emoji:          info.emoji,
		Color:          info.color,
		WPM:            wpm,
		TargetWPM:      t.Target,
		Recommendation: info.recommendation,
		Band:           b,
	}
}

// CountWords returns the number of whitespace-delimited tokens in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// WordsPerMinute returns words / minutes rounded to one decimal place, or 0
// when d is not positive.
func WordsPerMinute(words int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return Round(float64(words)/d.Minutes(), 1)
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
