package retrieval

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultWindowLines is the context radius around a matching line.
const DefaultWindowLines = 3

// truncationMarker terminates any excerpt that was cut to fit.
const truncationMarker = "…"

// ExcerptResult is one extracted slice of a document.
type ExcerptResult struct {
	Excerpt   string
	Truncated bool
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// SectionByHeading extracts the section whose heading contains heading,
// case-insensitively, from the matched heading line down to the next
// heading of the same or a higher level. Returns nil when no heading
// matches.
func SectionByHeading(content, heading string, maxChars int) *ExcerptResult {
	// The hint may arrive with its own markers ("## Design"); strip them.
	want := strings.ToLower(strings.TrimSpace(strings.TrimLeft(heading, "# ")))
	if want == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	start := -1
	level := 0
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if start == -1 {
			text := strings.ToLower(strings.TrimSpace(m[2]))
			if strings.Contains(text, want) {
				start = i
				level = len(m[1])
			}
			continue
		}
		if len(m[1]) <= level {
			return truncated(strings.Join(lines[start:i], "\n"), maxChars)
		}
	}
	if start == -1 {
		return nil
	}
	return truncated(strings.Join(lines[start:], "\n"), maxChars)
}

// WindowAroundMatch extracts ±windowLines around every line containing
// query, case-insensitively, merging overlapping windows. Distinct windows
// are separated by the truncation marker on its own line. Returns nil when
// nothing matches.
func WindowAroundMatch(content, query string, windowLines, maxChars int) *ExcerptResult {
	want := strings.ToLower(strings.TrimSpace(query))
	if want == "" {
		return nil
	}
	if windowLines < 0 {
		windowLines = DefaultWindowLines
	}

	lines := strings.Split(content, "\n")
	type span struct{ start, end int } // inclusive
	var spans []span
	for i, line := range lines {
		if !strings.Contains(strings.ToLower(line), want) {
			continue
		}
		start := i - windowLines
		if start < 0 {
			start = 0
		}
		end := i + windowLines
		if end > len(lines)-1 {
			end = len(lines) - 1
		}
		if n := len(spans); n > 0 && start <= spans[n-1].end+1 {
			spans[n-1].end = end
		} else {
			spans = append(spans, span{start, end})
		}
	}
	if len(spans) == 0 {
		return nil
	}

	parts := make([]string, len(spans))
	for i, sp := range spans {
		parts[i] = strings.Join(lines[sp.start:sp.end+1], "\n")
	}
	return truncated(strings.Join(parts, "\n"+truncationMarker+"\n"), maxChars)
}

// TopOfFile is the fallback excerpt: the head of the document.
func TopOfFile(content string, maxChars int) ExcerptResult {
	return *truncated(content, maxChars)
}

// truncated cuts s to at most maxChars bytes on a rune boundary, appending
// the marker when anything was dropped.
func truncated(s string, maxChars int) *ExcerptResult {
	s = strings.TrimRight(s, "\n")
	if maxChars <= 0 {
		return &ExcerptResult{Excerpt: "", Truncated: s != ""}
	}
	if len(s) <= maxChars {
		return &ExcerptResult{Excerpt: s}
	}
	cut := maxChars - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return &ExcerptResult{Excerpt: s[:cut] + truncationMarker, Truncated: true}
}
