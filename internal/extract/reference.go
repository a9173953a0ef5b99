package extract

import (
	"context"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OpenUpSA/dexi/internal/reference"
)

// LexiconMatcher is the reference strategy. Terms and aliases match whole
// words, ignoring case and the width of whitespace runs; punctuation inside a
// term must match as written. At each word the longest term wins and scanning
// resumes after it, so matches never overlap.
type LexiconMatcher struct {
	dict   map[string]string // normalized phrase -> category
	maxLen int               // longest phrase, in words
}

func NewLexiconMatcher(lex *reference.Lexicon) *LexiconMatcher {
	m := &LexiconMatcher{dict: make(map[string]string), maxLen: 1}
	add := func(phrase, category string) {
		toks := tokenize(phrase)
		if len(toks) == 0 {
			return
		}
		key := phraseKey(phrase, toks[0].s, toks[len(toks)-1].e)
		if _, dup := m.dict[key]; dup {
			return
		}
		m.dict[key] = category
		if len(toks) > m.maxLen {
			m.maxLen = len(toks)
		}
	}
	for _, e := range lex.Entries {
		add(e.Term, e.Category)
		for _, a := range e.Aliases {
			add(a, e.Category)
		}
	}
	return m
}

func (*LexiconMatcher) Name() string { return "reference" }

func (m *LexiconMatcher) Extract(ctx context.Context, text string) iter.Seq2[Occurrence, error] {
	return func(yield func(Occurrence, error) bool) {
		if len(m.dict) == 0 {
			return
		}
		toks := tokenize(text)
		idx := newRuneIndex(text)
		for i := 0; i < len(toks); {
			if i%512 == 0 {
				if err := ctx.Err(); err != nil {
					yield(Occurrence{}, failure(m.Name(), err))
					return
				}
			}
			n := min(m.maxLen, len(toks)-i)
			matched := 0
			for ; n >= 1; n-- {
				s, e := toks[i].s, toks[i+n-1].e
				if cat, ok := m.dict[phraseKey(text, s, e)]; ok {
					if !yield(Occurrence{Text: text[s:e], Start: idx.at(s), End: idx.at(e), Label: cat}, nil) {
						return
					}
					matched = n
					break
				}
			}
			i += max(matched, 1)
		}
	}
}

type token struct{ s, e int } // byte offsets

// tokenize splits s into runs of word runes.
func tokenize(s string) []token {
	var out []token
	start := -1
	for i, r := range s {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, token{start, i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, token{start, len(s)})
	}
	return out
}

// phraseKey lower-cases s[from:to] and collapses whitespace runs to a single
// space.
func phraseKey(s string, from, to int) string {
	var b strings.Builder
	b.Grow(to - from)
	space := false
	for _, r := range strings.ToLower(s[from:to]) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		if r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
