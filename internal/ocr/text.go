package ocr

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

var (
	reTrailingSpace = regexp.MustCompile(`[ \t]+\n`)
	reBlankRuns     = regexp.MustCompile(`\n{3,}`)
)

// Normalize fixes line endings, drops control characters and squeezes
// blank-line runs. Form feeds survive as page separators.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\f' {
			return r
		}
		if isGarbageRune(r) {
			return -1
		}
		return r
	}, s)
	s = reTrailingSpace.ReplaceAllString(s, "\n")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// decodeText converts plain text to UTF-8, honouring a declared charset
// and falling back to sniffing.
func decodeText(data []byte, contentType string) (Result, error) {
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return Result{Method: "text"}, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Result{Method: "text"}, err
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	return Result{Text: string(b), Pages: 1, Method: "text"}, nil
}

func htmlToText(data []byte, contentType string) (Result, error) {
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return Result{Method: "html"}, err
	}
	doc, err := html.Parse(r)
	if err != nil {
		return Result{Method: "html"}, err
	}
	return Result{Text: VisibleText(doc), Pages: 1, Method: "html"}, nil
}

var hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head, atom.Svg:
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "hidden" || (a.Key == "style" && hiddenStyle.MatchString(a.Val)) {
			return true
		}
	}
	return false
}

func block(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Table, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Header, atom.Footer,
		atom.Ul, atom.Ol, atom.Blockquote, atom.Pre, atom.Hr, atom.Main, atom.Nav, atom.Aside:
		return true
	}
	return false
}

// VisibleText returns the text a reader would see, one line per block
// element, whitespace inside a line collapsed.
func VisibleText(doc *html.Node) string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if hidden(n) {
			return
		}
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		case html.ElementNode:
			if block(n.DataAtom) {
				flush()
				defer flush()
			} else if n.DataAtom == atom.Td || n.DataAtom == atom.Th {
				cur.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n")
}
