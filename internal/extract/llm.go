package extract

import (
	"context"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/llm"
)

const defaultChunkRunes = 6000

// LLMTagger is the NLP strategy backed by a chat model. Long texts are sent
// in chunks; the model reports entity strings only, and every mention of
// each string is located in the chunk and shifted by the chunk offset.
type LLMTagger struct {
	tagger     llm.Tagger
	labels     []string
	chunkRunes int
	log        *slog.Logger
}

func NewLLMTagger(tagger llm.Tagger, logger *slog.Logger) *LLMTagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMTagger{
		tagger:     tagger,
		labels:     constants.LabelsAsStrings(),
		chunkRunes: defaultChunkRunes,
		log:        logger,
	}
}

// WithChunkRunes sets the largest chunk sent in one request.
func (t *LLMTagger) WithChunkRunes(n int) *LLMTagger {
	if n > 0 {
		t.chunkRunes = n
	}
	return t
}

func (*LLMTagger) Name() string { return "llm" }

func (t *LLMTagger) Extract(ctx context.Context, text string) iter.Seq2[Occurrence, error] {
	return func(yield func(Occurrence, error) bool) {
		for _, chunk := range llm.ChunkText(text, t.chunkRunes) {
			if strings.TrimSpace(chunk.Text) == "" {
				continue
			}
			ents, _, err := t.tagger.Tag(ctx, llm.TagRequest{Text: chunk.Text, Labels: t.labels})
			if err != nil {
				yield(Occurrence{}, failure(t.Name(), err))
				return
			}
			occs := anchor(chunk.Text, ents)
			t.log.Debug("extract.llm.chunk", "offset", chunk.Offset, "entities", len(ents), "occurrences", len(occs))
			for _, o := range occs {
				o.Start += chunk.Offset
				o.End += chunk.Offset
				if !yield(o, nil) {
					return
				}
			}
		}
	}
}

// anchor finds every whole-word, case-insensitive mention of each entity in
// text. Entities the text does not contain are dropped. Overlaps resolve the
// same way as RuleTagger.
func anchor(text string, ents []llm.Entity) []Occurrence {
	idx := newRuneIndex(text)
	seen := make(map[string]bool, len(ents))
	var cands []candidate
	for rank, ent := range ents {
		needle := strings.TrimSpace(ent.Text)
		key := strings.ToLower(needle)
		if needle == "" || seen[key] {
			continue
		}
		seen[key] = true
		re, err := mentionPattern(needle)
		if err != nil {
			continue
		}
		for _, m := range re.FindAllStringIndex(text, -1) {
			if !wordBoundary(text, m[0], m[1]) {
				continue
			}
			cands = append(cands, candidate{
				Occurrence: Occurrence{
					Text:  text[m[0]:m[1]],
					Start: idx.at(m[0]),
					End:   idx.at(m[1]),
					Label: string(constants.CanonicalizeLabel(ent.Label)),
				},
				rank: rank,
			})
		}
	}
	return selectNonOverlapping(cands)
}

// mentionPattern matches needle case-insensitively with any run of
// whitespace between its words.
func mentionPattern(needle string) (*regexp.Regexp, error) {
	words := strings.Fields(needle)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.Compile(`(?i)` + strings.Join(words, `\s+`))
}

func wordBoundary(text string, s, e int) bool {
	if s > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:s])
		first, _ := utf8.DecodeRuneInString(text[s:])
		if isWordRune(r) && isWordRune(first) {
			return false
		}
	}
	if e < len(text) {
		r, _ := utf8.DecodeRuneInString(text[e:])
		last, _ := utf8.DecodeLastRuneInString(text[:e])
		if isWordRune(r) && isWordRune(last) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
