// Package links finds hyperlink-shaped substrings in free-form text.
package links

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// trailingPunctuation is stripped from the end of a link when
// Options.TrimPunctuation is set.
const trailingPunctuation = ".,;:!?'\")]}>"

// Options tunes link extraction. The zero value keeps every greedy match
// exactly as it appears in the text, trailing punctuation included.
type Options struct {
	TrimPunctuation bool
}

// Extract returns every run of non-whitespace characters starting with
// "http://" or "https://", in order of appearance, duplicates included.
func Extract(text string) []string {
	return Options{}.Extract(text)
}

func (o Options) Extract(text string) []string {
	var found []string
	for i := 0; i < len(text); {
		rest := text[i:]
		scheme := schemeLen(rest)
		if scheme == 0 {
			i++
			continue
		}

		end := scheme
		for end < len(rest) {
			r, size := utf8.DecodeRuneInString(rest[end:])
			if unicode.IsSpace(r) {
				break
			}
			end += size
		}
		if end == scheme {
			i += scheme
			continue
		}

		link := rest[:end]
		if o.TrimPunctuation {
			link = strings.TrimRight(link, trailingPunctuation)
		}
		if len(link) > scheme {
			found = append(found, link)
		}
		i += end
	}
	return found
}

func schemeLen(s string) int {
	switch {
	case strings.HasPrefix(s, "https://"):
		return len("https://")
	case strings.HasPrefix(s, "http://"):
		return len("http://")
	default:
		return 0
	}
}

// Host returns the lower-cased host of link, or "" when it does not parse.
func Host(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
