package reference

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/OpenUpSA/dexi/internal/common"
)

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        string
	}{
		{"yaml", "application/yaml", `
entries:
  - term: Acme Corp
    category: organisation
    aliases: [ACME, " Acme Corporation "]
  - term: Jane Doe
    category: person
`},
		{"yaml sequence", "text/yaml", `
- term: Acme Corp
  category: ORG
  aliases: [ACME, Acme Corporation]
- term: Jane Doe
  category: PERSON
`},
		{"json", "application/json; charset=utf-8", `{"entries":[
  {"term":"Acme Corp","category":"ORG","aliases":["ACME","Acme Corporation"]},
  {"term":"Jane Doe","category":"PERSON"}]}`},
		{"csv with header", "text/csv", "category,term,aliases\nORG,Acme Corp,ACME|Acme Corporation\nPERSON,Jane Doe,\n"},
		{"csv headerless", "text/csv", "Acme Corp,ORG,ACME;Acme Corporation\nJane Doe,PERSON\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lex, err := Parse([]byte(tt.data), tt.contentType)
			if err != nil {
				t.Fatal(err)
			}
			checkLexicon(t, lex)
		})
	}
}

func checkLexicon(t *testing.T, lex *Lexicon) {
	t.Helper()
	if len(lex.Entries) != 2 {
		t.Fatalf("entries = %+v", lex.Entries)
	}
	acme := lex.Entries[0]
	if acme.Term != "Acme Corp" || acme.Category != "ORG" || len(acme.Aliases) != 2 || acme.Aliases[1] != "Acme Corporation" {
		t.Fatalf("acme = %+v", acme)
	}
	if jane := lex.Entries[1]; jane.Term != "Jane Doe" || jane.Category != "PERSON" || len(jane.Aliases) != 0 {
		t.Fatalf("jane = %+v", jane)
	}
	if lex.Size() != 4 {
		t.Fatalf("size = %d", lex.Size())
	}
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]any{
		{"term", "category", "aliases"},
		{"Acme Corp", "ORG", "ACME|Acme Corporation"},
		{"Jane Doe", "PERSON", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	lex, err := Parse(buf.Bytes(), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err != nil {
		t.Fatal(err)
	}
	checkLexicon(t, lex)
}

func TestParseRejects(t *testing.T) {
	if _, err := Parse([]byte("%PDF-1.4"), "application/pdf"); !errors.Is(err, common.ErrUnsupportedContentType) {
		t.Fatalf("pdf err = %v", err)
	}
	if _, err := Parse([]byte(`{"entries":[{"category":"ORG"}]}`), "application/json"); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("schema err = %v", err)
	}
	if !SupportedContentType("text/csv") || SupportedContentType("image/png") {
		t.Fatal("SupportedContentType mismatch")
	}
}

func TestParseDefaultsCategory(t *testing.T) {
	lex, err := Parse([]byte("- term: Widget\n- term: \"  \"\n"), "application/yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(lex.Entries) != 1 || lex.Entries[0].Category != "MISC" {
		t.Fatalf("entries = %+v", lex.Entries)
	}
}
