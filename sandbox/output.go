package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultOutputLimit bounds the characters kept from one stream of one
// command. Oversized output keeps the head and tail with an elision marker
// in between; the tail gets the larger share because errors usually land
// at the end.
const DefaultOutputLimit = 16 * 1024

const (
	headShare = 0.2
	tailShare = 0.8
)

// ansiEscape matches CSI and OSC escape sequences emitted by interactive
// tools and colored output.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Truncate bounds s to limit characters, keeping the first 20% and last 80%
// with an elision marker. Returns the bounded string and whether anything
// was dropped.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	if len(s) <= limit {
		return s, false
	}
	head := int(float64(limit) * headShare)
	tail := int(float64(limit) * tailShare)
	dropped := len(s) - head - tail
	var b strings.Builder
	b.Grow(limit + 64)
	b.WriteString(s[:head])
	b.WriteString("\n--- truncated ")
	b.WriteString(strconv.Itoa(dropped))
	b.WriteString(" characters ---\n")
	b.WriteString(s[len(s)-tail:])
	return b.String(), true
}

// processOutput applies the ANSI strip and truncation pipeline.
func processOutput(s string, limit int) (string, bool) {
	return Truncate(StripANSI(s), limit)
}
