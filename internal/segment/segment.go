package segment

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind tells the dispatcher whether a segment is synthesized or passed through.
type Kind int

const (
	Voice Kind = iota
	Text
)

func (k Kind) String() string {
	switch k {
	case Voice:
		return "voice"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

const (
	DefaultTerminators    = "。！？.!?"
	DefaultBracketPattern = `（[^）]*）|\([^)]*\)`
)

var ErrInvalidPattern = errors.New("invalid segment pattern")

// Segment is a span of the filtered reply. Position is the byte offset where
// the span began.
type Segment struct {
	Content  string
	Kind     Kind
	Position int
}

// SentencePattern builds the sentence expression for a terminator set. The
// set may be given bare ("。！？.!?") or as a bracketed class ("[。？！]").
func SentencePattern(terminators string) string {
	class := strings.TrimSpace(terminators)
	if strings.HasPrefix(class, "[") && strings.HasSuffix(class, "]") && len(class) > 2 {
		class = class[1 : len(class)-1]
	}
	var b strings.Builder
	for _, r := range class {
		switch r {
		case '\\', ']', '[', '^', '-':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	quoted := b.String()
	return "[^" + quoted + "]*[" + quoted + "]"
}

// Scanner splits text into sentence spans and bracketed asides in document
// order. It is safe for concurrent use.
type Scanner struct {
	sentence *regexp.Regexp
	bracket  *regexp.Regexp
}

func NewScanner(terminators, bracketPattern string) (*Scanner, error) {
	if strings.TrimSpace(terminators) == "" {
		terminators = DefaultTerminators
	}
	if strings.TrimSpace(bracketPattern) == "" {
		bracketPattern = DefaultBracketPattern
	}
	sentence, err := regexp.Compile(SentencePattern(terminators))
	if err != nil {
		return nil, fmt.Errorf("%w: sentence terminators %q: %v", ErrInvalidPattern, terminators, err)
	}
	bracket, err := regexp.Compile(bracketPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bracket pattern %q: %v", ErrInvalidPattern, bracketPattern, err)
	}
	return &Scanner{sentence: sentence, bracket: bracket}, nil
}

// Scan walks content with a single cursor. A bracket wins when it begins
// before the next sentence ends; whatever precedes it is emitted first so no
// text is lost, as Voice when a sentence was already under way and as Text
// otherwise. When neither pattern matches again the trimmed remainder is the
// last Text segment.
func (s *Scanner) Scan(content string) []Segment {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	brackets := &matcher{re: s.bracket}
	sentences := &matcher{re: s.sentence}
	var out []Segment
	pos := 0
	for pos < len(content) {
		b := brackets.next(content, pos)
		sn := sentences.next(content, pos)

		switch {
		case b != nil && (sn == nil || b[0] < sn[1]):
			if lead := strings.TrimSpace(content[pos:b[0]]); lead != "" {
				kind := Text
				if sn != nil && sn[0] < b[0] {
					kind = Voice
				}
				out = append(out, Segment{Content: lead, Kind: kind, Position: pos})
			}
			out = append(out, Segment{Content: content[b[0]:b[1]], Kind: Text, Position: b[0]})
			pos = b[1]
		case sn != nil:
			if sentence := strings.TrimSpace(content[sn[0]:sn[1]]); sentence != "" {
				out = append(out, Segment{Content: sentence, Kind: Voice, Position: sn[0]})
			}
			pos = sn[1]
		default:
			if rest := strings.TrimSpace(content[pos:]); rest != "" {
				out = append(out, Segment{Content: rest, Kind: Text, Position: pos})
			}
			pos = len(content)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// matcher caches the leftmost match found so far. The cached match is still
// the leftmost one at or after any cursor not beyond its start, so the regexp
// only runs again once the cursor has passed it.
type matcher struct {
	re        *regexp.Regexp
	loc       []int
	exhausted bool
}

func (m *matcher) next(content string, pos int) []int {
	if m.exhausted {
		return nil
	}
	if m.loc != nil && m.loc[0] >= pos {
		return m.loc
	}
	// Empty matches carry no text and would stall the cursor.
	for from := pos; from <= len(content); {
		loc := m.re.FindStringIndex(content[from:])
		if loc == nil {
			break
		}
		if loc[1] > loc[0] {
			m.loc = []int{loc[0] + from, loc[1] + from}
			return m.loc
		}
		if from+loc[1] >= len(content) {
			break
		}
		_, width := utf8.DecodeRuneInString(content[from+loc[1]:])
		from += loc[1] + width
	}
	m.exhausted = true
	m.loc = nil
	return nil
}
