// Package thinking removes model reasoning annotations from replies before
// they are segmented.
package thinking

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultKeywords matches the reasoning tags emitted by common chat models.
var DefaultKeywords = []string{"<think>", "</think>", "<thinking>", "</thinking>"}

var ErrInvalidKeyword = errors.New("invalid thinking keyword")

// Filter strips tag-delimited spans. It is immutable and safe for concurrent
// use.
type Filter struct {
	spans   []*regexp.Regexp
	closers []string
}

// New compiles keywords in order. Each opening tag removes everything up to
// its nearest closing tag; a closing tag listed without its opener is removed
// wherever it appears on its own.
func New(keywords []string) (*Filter, error) {
	openers := make(map[string]bool)
	for _, kw := range keywords {
		if isOpener(kw) {
			openers[closerFor(kw)] = true
		}
	}

	f := &Filter{}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		switch {
		case kw == "":
			continue
		case isOpener(kw):
			expr := "(?s)" + regexp.QuoteMeta(kw) + ".*?" + regexp.QuoteMeta(closerFor(kw))
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidKeyword, kw, err)
			}
			f.spans = append(f.spans, re)
		case strings.HasPrefix(kw, "</"):
			if !openers[kw] {
				f.closers = append(f.closers, kw)
			}
		}
	}
	return f, nil
}

// Apply removes thinking spans and collapses the remaining lines. An empty
// result means nothing is left to deliver.
func (f *Filter) Apply(content string) string {
	for _, re := range f.spans {
		content = re.ReplaceAllLiteralString(content, "")
	}
	for _, closer := range f.closers {
		content = strings.ReplaceAll(content, closer, "")
	}
	return collapseLines(content)
}

// Strip is a one-shot Apply. Keywords that cannot be compiled leave the
// content untouched.
func Strip(content string, keywords []string) string {
	f, err := New(keywords)
	if err != nil {
		return content
	}
	return f.Apply(content)
}

func isOpener(kw string) bool {
	kw = strings.TrimSpace(kw)
	return strings.HasPrefix(kw, "<") && !strings.HasPrefix(kw, "</")
}

func closerFor(opener string) string {
	return strings.Replace(strings.TrimSpace(opener), "<", "</", 1)
}

func collapseLines(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
