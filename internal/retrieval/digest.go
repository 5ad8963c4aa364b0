package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

// Digest bounds. The digest never takes more than a fifth of the pack
// budget, and each section keeps only a handful of bullets.
const (
	digestBudgetDivisor  = 5
	digestMaxBullets     = 8
	digestProgressItems  = 5
	digestDecisionItems  = 3
	digestMaxSourceBytes = 256 * 1024
)

// Digest is the always-on summary slice of a context pack.
type Digest struct {
	Text  string `json:"text"`
	Chars int    `json:"chars"`
}

// digestSection describes one slice of a core document: either the bullets
// under a heading, or the last N bullets of the whole file.
type digestSection struct {
	file    string
	heading string // empty means whole file
	title   string
	lastN   int // 0 means first digestMaxBullets
}

var digestPlan = []digestSection{
	{file: "activeContext.md", heading: "current tasks", title: "Current Tasks"},
	{file: "activeContext.md", heading: "issues", title: "Open Issues"},
	{file: "activeContext.md", heading: "next steps", title: "Next Steps"},
	{file: "progress.md", title: "Recent Progress", lastN: digestProgressItems},
	{file: "decisionLog.md", title: "Recent Decisions", lastN: digestDecisionItems},
}

// buildDigest assembles the digest from the core documents, skipping files
// that are missing or oversized. Sections are added whole, in plan order,
// until the budget would be exceeded.
func buildDigest(ctx context.Context, docs storage.DocumentStore, budget int, logger *slog.Logger) Digest {
	if docs == nil || budget <= 0 {
		return Digest{}
	}

	contents := make(map[string]string)
	for _, section := range digestPlan {
		if _, ok := contents[section.file]; ok {
			continue
		}
		content, err := docs.Read(ctx, section.file)
		if err != nil {
			if !storage.IsEntityNotFound(err) {
				logger.Debug("digest source unreadable", "file", section.file, "error", err)
			}
			contents[section.file] = ""
			continue
		}
		if len(content) > digestMaxSourceBytes {
			logger.Debug("digest source too large, skipping", "file", section.file, "bytes", len(content))
			content = ""
		}
		contents[section.file] = content
	}

	var b strings.Builder
	for _, section := range digestPlan {
		content := contents[section.file]
		if content == "" {
			continue
		}

		var bullets []string
		if section.heading != "" {
			if sec := SectionByHeading(content, section.heading, len(content)); sec != nil {
				bullets = collectBullets(sec.Excerpt, digestMaxBullets, false)
			}
		} else {
			bullets = collectBullets(content, section.lastN, true)
		}
		if len(bullets) == 0 {
			continue
		}

		var sec strings.Builder
		fmt.Fprintf(&sec, "## %s\n", section.title)
		for _, bullet := range bullets {
			fmt.Fprintf(&sec, "- %s\n", bullet)
		}
		if b.Len()+sec.Len() > budget {
			break
		}
		b.WriteString(sec.String())
	}

	text := strings.TrimRight(b.String(), "\n")
	return Digest{Text: text, Chars: len(text)}
}

// collectBullets returns up to n bullet lines from text, stripped of their
// markers. fromEnd keeps the last n instead of the first n.
func collectBullets(text string, n int, fromEnd bool) []string {
	var bullets []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			bullets = append(bullets, strings.TrimSpace(trimmed[2:]))
		}
	}
	if n <= 0 || len(bullets) <= n {
		return bullets
	}
	if fromEnd {
		return bullets[len(bullets)-n:]
	}
	return bullets[:n]
}
