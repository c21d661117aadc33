// Package mrkdwn converts standard markdown into Slack mrkdwn text and
// Block Kit blocks.
package mrkdwn

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
)

// MaxHeaderLength is the Block Kit limit for header text.
const MaxHeaderLength = 3000

var (
	boldPattern    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	linkPattern    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headerPattern  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	dividerPattern = regexp.MustCompile(`^[-*_]{3,}$`)
)

// Convert rewrites **bold** as *bold* and [label](url) as <url|label>.
// It is also the fallback notification text of a rendered message.
func Convert(text string) string {
	if text == "" {
		return text
	}
	text = boldPattern.ReplaceAllString(text, "*$1*")
	return linkPattern.ReplaceAllString(text, "<$2|$1>")
}

// Blocks splits text into header, divider and mrkdwn section blocks. Runs of
// ordinary lines become one section; blank runs produce nothing.
func Blocks(text string) []slack.Block {
	var (
		blocks  []slack.Block
		pending []string
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		section := strings.TrimSpace(strings.Join(pending, "\n"))
		pending = pending[:0]
		if section == "" {
			return
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, Convert(section), false, false),
			nil, nil,
		))
	}

	for _, line := range strings.Split(text, "\n") {
		if match := headerPattern.FindStringSubmatch(line); match != nil {
			flush()
			blocks = append(blocks, slack.NewHeaderBlock(
				slack.NewTextBlockObject(slack.PlainTextType, truncateRunes(match[2], MaxHeaderLength), true, false),
			))
			continue
		}
		if dividerPattern.MatchString(strings.TrimSpace(line)) {
			flush()
			blocks = append(blocks, slack.NewDividerBlock())
			continue
		}
		pending = append(pending, line)
	}
	flush()

	return blocks
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
