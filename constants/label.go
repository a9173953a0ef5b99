package constants

import "strings"

// Label is an entity category. NLP labels are open-ended; these are the ones
// the built-in taggers emit.
type Label string

const (
	LabelPerson Label = "PERSON"
	LabelOrg    Label = "ORG"
	LabelPlace  Label = "GPE"
	LabelDate   Label = "DATE"
	LabelMoney  Label = "MONEY"
	LabelEmail  Label = "EMAIL"
	LabelURL    Label = "URL"
	LabelMisc   Label = "MISC"
)

var allLabels = []Label{
	LabelPerson,
	LabelOrg,
	LabelPlace,
	LabelDate,
	LabelMoney,
	LabelEmail,
	LabelURL,
	LabelMisc,
}

func LabelsAsStrings() []string {
	result := make([]string, len(allLabels))
	for i, l := range allLabels {
		result[i] = string(l)
	}
	return result
}

// CanonicalizeLabel maps common tagger spellings onto the built-in labels.
// Unknown labels are upper-cased and kept.
func CanonicalizeLabel(input string) Label {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return ""
	}

	synonyms := map[string]Label{
		"per":          LabelPerson,
		"person":       LabelPerson,
		"people":       LabelPerson,
		"org":          LabelOrg,
		"organization": LabelOrg,
		"organisation": LabelOrg,
		"company":      LabelOrg,
		"gpe":          LabelPlace,
		"loc":          LabelPlace,
		"location":     LabelPlace,
		"place":        LabelPlace,
		"date":         LabelDate,
		"money":        LabelMoney,
		"amount":       LabelMoney,
		"email":        LabelEmail,
		"url":          LabelURL,
		"misc":         LabelMisc,
	}
	if l, ok := synonyms[normalized]; ok {
		return l
	}
	return Label(strings.ToUpper(normalized))
}

// Strategy selects the extractor an extraction run uses.
type Strategy string

const (
	StrategyNLP       Strategy = "nlp"
	StrategyReference Strategy = "reference"
)

func (s Strategy) Valid() bool { return s == StrategyNLP || s == StrategyReference }
