package detector

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"unicode/utf8"

	"fieldop-service/internal/domain/fieldop"
)

var ErrInvalidPattern = errors.New("invalid trigger pattern")

// DefaultPatterns are the spoken triggers used when no pattern store is configured.
var DefaultPatterns = map[fieldop.OperationType][]string{
	fieldop.VehicleNumber: {"车号确认", "车号核对", "确认车号", "核对车号"},
	fieldop.AntiRolling:   {"铁鞋设置", "手闸拧紧", "防遛设置", "设置防遛"},
	fieldop.RemoveRolling: {"铁鞋撤除", "手闸松开", "撤除防遛", "松开手闸"},
}

// confidenceScale is the match length, in characters, that maps to full confidence.
const confidenceScale = 20.0

type rule struct {
	op      fieldop.OperationType
	pattern string
	re      *regexp.Regexp
}

// KeywordDetector classifies utterances into operation events. It is immutable
// after construction and safe for concurrent use.
type KeywordDetector struct {
	rules []rule
}

// NewKeywordDetector compiles patterns case-insensitively. Types are visited in
// fieldop.OperationTypes order and patterns in slice order.
func NewKeywordDetector(patterns map[fieldop.OperationType][]string) (*KeywordDetector, error) {
	d := &KeywordDetector{}
	for op := range patterns {
		if !isKnown(op) {
			return nil, fmt.Errorf("%w: patterns registered for operation type %s", ErrInvalidPattern, op)
		}
	}

	for _, op := range fieldop.OperationTypes {
		for _, p := range patterns[op] {
			if p == "" {
				return nil, fmt.Errorf("%w: empty pattern for %s", ErrInvalidPattern, op)
			}
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s pattern %q: %v", ErrInvalidPattern, op, p, err)
			}
			d.rules = append(d.rules, rule{op: op, pattern: p, re: re})
		}
	}
	if len(d.rules) == 0 {
		return nil, fmt.Errorf("%w: no patterns configured", ErrInvalidPattern)
	}
	return d, nil
}

func isKnown(op fieldop.OperationType) bool {
	for _, known := range fieldop.OperationTypes {
		if op == known {
			return true
		}
	}
	return false
}

// Detect returns one event per (utterance, pattern match), in utterance order.
// Overlapping matches of different patterns all fire.
func (d *KeywordDetector) Detect(utterances []fieldop.Utterance) []fieldop.DetectionEvent {
	var events []fieldop.DetectionEvent
	for _, u := range utterances {
		events = append(events, d.DetectText(u.Text, u.Timestamp)...)
	}
	return events
}

func (d *KeywordDetector) DetectText(text string, timestamp float64) []fieldop.DetectionEvent {
	var events []fieldop.DetectionEvent
	for _, r := range d.rules {
		for _, m := range r.re.FindAllString(text, -1) {
			if m == "" {
				continue
			}
			events = append(events, fieldop.DetectionEvent{
				Operation:   r.op,
				Timestamp:   timestamp,
				Confidence:  Confidence(m),
				MatchedText: m,
			})
		}
	}
	return events
}

// Confidence is a length heuristic, not a calibrated probability.
func Confidence(match string) float64 {
	return math.Min(float64(utf8.RuneCountInString(match))/confidenceScale, 1.0)
}

// Patterns returns the configured pattern strings per type.
func (d *KeywordDetector) Patterns() map[fieldop.OperationType][]string {
	out := make(map[fieldop.OperationType][]string)
	for _, r := range d.rules {
		out[r.op] = append(out[r.op], r.pattern)
	}
	return out
}
