package main

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxMessageLen = 10000
	maxUserIDLen  = 100
)

var strictPolicy = bluemonday.StrictPolicy()

// sanitizeString removes control characters and limits the string to maxLen
// runes. Tabs and newlines are kept.
func sanitizeString(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		if n == maxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// sanitizeMessage strips markup from a message body. Entities produced by
// the policy are decoded again so text like "a < b" survives unchanged.
func sanitizeMessage(s string) string {
	s = sanitizeString(s, maxMessageLen)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

func sanitizeUserID(s string) string {
	return sanitizeString(s, maxUserIDLen)
}
