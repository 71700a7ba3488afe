package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/imap-extract/extract"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type rule struct {
	kind string
	re   *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages. It is safe for
// concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []rule
	includeBody   []rule
	excludeHeader []rule
	excludeBody   []rule

	mu   sync.Mutex
	hits map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compilePatterns("include-body", opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compilePatterns("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compilePatterns("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria. A nil
// Filter allows everything.
func (f *Filter) Allows(header, body string) bool {
	if f == nil {
		return true
	}

	if f.includeMode {
		return f.matchAny(f.includeHeader, header) || f.matchAny(f.includeBody, body)
	}

	if f.excludeMode {
		if f.matchAny(f.excludeHeader, header) || f.matchAny(f.excludeBody, body) {
			return false
		}
	}

	return true
}

// AllowsDetails matches header patterns against the extracted sender,
// recipient and subject, and body patterns against the extracted body.
func (f *Filter) AllowsDetails(d extract.Details) bool {
	return f.Allows(HeaderText(d), d.Body)
}

// HeaderText renders the extracted headers the way header patterns see them.
func HeaderText(d extract.Details) string {
	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(d.Sender)
	b.WriteString("\nTo: ")
	b.WriteString(d.Recipient)
	b.WriteString("\nSubject: ")
	b.WriteString(d.Subject)
	return b.String()
}

// Stats returns how often each pattern matched, keyed by "<kind> <pattern>".
func (f *Filter) Stats() map[string]int {
	out := make(map[string]int)
	if f == nil {
		return out
	}
	f.mu.Lock()
	for k, v := range f.hits {
		out[k] = v
	}
	f.mu.Unlock()
	return out
}

func compilePatterns(kind string, patterns []string) ([]rule, error) {
	compiled := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		compiled = append(compiled, rule{kind: kind, re: re})
	}
	return compiled, nil
}

func (f *Filter) matchAny(rules []rule, text string) bool {
	for _, r := range rules {
		if r.re.MatchString(text) {
			f.mu.Lock()
			f.hits[r.kind+" "+r.re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}
