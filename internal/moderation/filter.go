// Package moderation screens message content for flooding patterns before
// it is ingested. It catches the cheap, unambiguous abuse (character and
// word flooding) at the gateway; anything requiring judgement is left to
// the out-of-band moderation tooling that writes ban records.
package moderation

import (
	"strings"
	"unicode"
)

// Result describes the outcome of a content check.
type Result struct {
	Blocked bool
	Reason  string // pattern name, e.g. "char_flood"
}

// check pairs a detection function with the name it reports.
type check struct {
	name  string
	match func(string) bool
}

// checks is the ordered list applied by Check. The first match wins.
var checks = []check{
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// Check runs every flooding check against text. A zero-value Result means
// the content passed.
func Check(text string) Result {
	for _, c := range checks {
		if c.match(text) {
			return Result{Blocked: true, Reason: c.name}
		}
	}
	return Result{}
}

// hasCharFlood returns true if text contains 8 or more consecutive
// identical characters. Go's regexp package (RE2) does not support
// backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 8

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 5 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 5

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
