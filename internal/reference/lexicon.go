// Package reference loads user-supplied lexicons for the reference strategy.
package reference

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
)

// Entry is one lexicon term. Aliases match as the same entry.
type Entry struct {
	Term     string   `yaml:"term" json:"term"`
	Category string   `yaml:"category" json:"category"`
	Aliases  []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

type Lexicon struct {
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Size counts terms plus aliases.
func (l *Lexicon) Size() int {
	n := 0
	for _, e := range l.Entries {
		n += 1 + len(e.Aliases)
	}
	return n
}

const (
	ctYAML = "application/yaml"
	ctJSON = "application/json"
	ctCSV  = "text/csv"
	ctXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Parse decodes a lexicon in the format named by contentType.
func Parse(data []byte, contentType string) (*Lexicon, error) {
	var (
		lex *Lexicon
		err error
	)
	switch formatOf(contentType) {
	case "yaml":
		lex, err = parseYAML(data)
	case "json":
		lex, err = parseJSON(data)
	case "csv":
		lex, err = parseCSV(bytes.NewReader(data))
	case "xlsx":
		lex, err = parseXLSX(data)
	default:
		return nil, fmt.Errorf("lexicon type %q: %w", contentType, common.ErrUnsupportedContentType)
	}
	if err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	return lex.clean(), nil
}

// SupportedContentType reports whether Parse understands contentType.
func SupportedContentType(contentType string) bool {
	return formatOf(contentType) != ""
}

func formatOf(contentType string) string {
	switch constants.NormalizeContentType(contentType) {
	case ctYAML, "application/x-yaml", "text/yaml", "text/x-yaml":
		return "yaml"
	case ctJSON:
		return "json"
	case ctCSV, "text/plain":
		return "csv"
	case ctXLSX:
		return "xlsx"
	}
	return ""
}

func parseYAML(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err == nil && len(lex.Entries) > 0 {
		return &lex, nil
	}
	// a bare sequence of entries is accepted too
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return &Lexicon{Entries: entries}, nil
}

var lexiconSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entries": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"term":     map[string]any{"type": "string", "minLength": 1},
					"category": map[string]any{"type": "string"},
					"aliases":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"term"},
			},
		},
	},
	"required": []string{"entries"},
}

func parseJSON(data []byte) (*Lexicon, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		v = map[string]any{"entries": arr}
	}
	schema, err := compileLexiconSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var lex Lexicon
	if err := json.Unmarshal(b, &lex); err != nil {
		return nil, err
	}
	return &lex, nil
}

func compileLexiconSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(lexiconSchema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("lexicon.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return compiler.Compile("lexicon.json")
}

func parseCSV(r io.Reader) (*Lexicon, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func parseXLSX(data []byte) (*Lexicon, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Lexicon{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// fromRows reads term, category, aliases columns. A first row naming a
// "term" column is treated as a header and may reorder the columns. Aliases
// are separated by '|' or ';'.
func fromRows(rows [][]string) *Lexicon {
	termCol, catCol, aliasCol := 0, 1, 2
	if len(rows) > 0 {
		header := map[string]int{}
		for i, h := range rows[0] {
			header[strings.ToLower(strings.TrimSpace(h))] = i
		}
		if i, ok := header["term"]; ok {
			termCol = i
			catCol, aliasCol = -1, -1
			if i, ok := header["category"]; ok {
				catCol = i
			}
			if i, ok := header["aliases"]; ok {
				aliasCol = i
			}
			rows = rows[1:]
		}
	}

	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	lex := &Lexicon{}
	for _, row := range rows {
		e := Entry{Term: cell(row, termCol), Category: cell(row, catCol)}
		if a := cell(row, aliasCol); a != "" {
			e.Aliases = strings.FieldsFunc(a, func(r rune) bool { return r == '|' || r == ';' })
		}
		lex.Entries = append(lex.Entries, e)
	}
	return lex
}

// clean trims fields, drops entries without a term and upper-cases
// categories, defaulting them to MISC.
func (l *Lexicon) clean() *Lexicon {
	out := &Lexicon{Entries: make([]Entry, 0, len(l.Entries))}
	for _, e := range l.Entries {
		e.Term = strings.TrimSpace(e.Term)
		if e.Term == "" {
			continue
		}
		e.Category = string(constants.CanonicalizeLabel(e.Category))
		if e.Category == "" {
			e.Category = string(constants.LabelMisc)
		}
		aliases := e.Aliases[:0:0]
		for _, a := range e.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		e.Aliases = aliases
		out.Entries = append(out.Entries, e)
	}
	return out
}
