package extract

import (
	"context"
	"iter"
	"regexp"
	"strings"

	"github.com/OpenUpSA/dexi/constants"
)

const (
	months    = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`
	capWord   = `\p{Lu}[\p{L}\p{M}\d&'’-]*`
	nameWord  = `\p{Lu}\p{Ll}[\p{L}\p{M}'’-]*`
	honorific = `(?:Mr|Mrs|Ms|Miss|Mx|Dr|Prof|Sir|Dame|Adv|Hon|Judge|Rev|Minister|President)`
	orgSuffix = `(?:Corp(?:oration)?|Inc|Ltd|Limited|LLC|LLP|Co|Company|Group|Holdings|Bank|PLC|plc|GmbH|AG|SA|Pty|Foundation|Trust|Institute|University|Ministry|Department|Association|Municipality|Council)`
)

// rule is one pattern. group selects the capture group that forms the
// span; 0 is the whole match.
type rule struct {
	label constants.Label
	re    *regexp.Regexp
	group int
}

// Rules run in rank order; rank breaks ties between equal spans.
var rules = []rule{
	{constants.LabelEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), 0},
	{constants.LabelURL, regexp.MustCompile(`(?:https?://|www\.)[^\s<>"'()\[\]]+`), 0},
	{constants.LabelMoney, regexp.MustCompile(`(?:[$€£¥]|\bR|\b(?:USD|EUR|GBP|ZAR|JPY|CAD|AUD|NGN|KES)\s?)\s?\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?\b`), 0},
	{constants.LabelMoney, regexp.MustCompile(`\b\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?\s?(?:USD|EUR|GBP|ZAR|JPY|CAD|AUD|NGN|KES)\b`), 0},
	{constants.LabelDate, regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), 0},
	{constants.LabelDate, regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}[/.]\d{2,4}\b`), 0},
	{constants.LabelDate, regexp.MustCompile(`\b\d{1,2}\s+` + months + `\.?,?\s+\d{4}\b`), 0},
	{constants.LabelDate, regexp.MustCompile(`\b` + months + `\.?\s+\d{1,2},?\s+\d{4}\b`), 0},
	{constants.LabelPerson, regexp.MustCompile(`\b` + honorific + `\.?\s+(` + nameWord + `(?:[ \t]+` + nameWord + `){0,3})`), 1},
	{constants.LabelOrg, regexp.MustCompile(`(?:` + capWord + `[ \t]+){1,5}` + orgSuffix + `\b`), 0},
	{constants.LabelMisc, regexp.MustCompile(nameWord + `(?:[ \t]+` + nameWord + `)+`), 0},
}

var (
	leadingArticle = regexp.MustCompile(`^(?:The|A|An)[ \t]+`)
	leadingTitle   = regexp.MustCompile(`^` + honorific + `\.?(?:[ \t]|$)`)
	trailingTitle  = regexp.MustCompile(`[ \t]+` + honorific + `$`)
	urlTrailing    = ".,;:!?"
)

// RuleTagger is the offline NLP tagger. It matches each rule over the whole
// text, then keeps the earliest match at each position and the longest among
// matches starting at the same offset. Overlapping later matches are dropped.
type RuleTagger struct{}

func NewRuleTagger() *RuleTagger { return &RuleTagger{} }

func (*RuleTagger) Name() string { return "rules" }

func (t *RuleTagger) Extract(ctx context.Context, text string) iter.Seq2[Occurrence, error] {
	return fromSlice(ctx, t.Name(), t.tag(text))
}

func (t *RuleTagger) tag(text string) []Occurrence {
	idx := newRuneIndex(text)
	var cands []candidate
	for rank, r := range rules {
		for _, m := range r.re.FindAllStringSubmatchIndex(text, -1) {
			s, e := m[2*r.group], m[2*r.group+1]
			if s < 0 {
				continue
			}
			s, e, ok := trimSpan(r.label, text, s, e)
			if !ok {
				continue
			}
			cands = append(cands, candidate{
				Occurrence: Occurrence{
					Text:  text[s:e],
					Start: idx.at(s),
					End:   idx.at(e),
					Label: string(r.label),
				},
				rank: rank,
			})
		}
	}
	return selectNonOverlapping(cands)
}

// trimSpan tidies a raw match. ok is false when nothing useful remains.
func trimSpan(label constants.Label, text string, s, e int) (int, int, bool) {
	span := text[s:e]
	switch label {
	case constants.LabelURL:
		trimmed := strings.TrimRight(span, urlTrailing)
		e = s + len(trimmed)
	case constants.LabelOrg:
		if loc := leadingArticle.FindStringIndex(span); loc != nil {
			s += loc[1]
		}
	case constants.LabelMisc:
		// a title starts a PERSON span, not a MISC one
		if leadingTitle.MatchString(span) {
			return 0, 0, false
		}
		if loc := leadingArticle.FindStringIndex(span); loc != nil {
			s += loc[1]
		}
		if loc := trailingTitle.FindStringIndex(text[s:e]); loc != nil {
			e = s + loc[0]
		}
		if !strings.ContainsAny(text[s:e], " \t") {
			return 0, 0, false
		}
	}
	return s, e, e > s
}
