package ocr

import (
	"strings"
	"unicode"
)

// textLayerUsable decides whether an in-process PDF text layer is good
// enough to skip the external tools. Scanned PDFs yield little or no text
// and broken font encodings yield mostly unprintable runes.
func textLayerUsable(text string, pages int) bool {
	if pages < 1 {
		pages = 1
	}
	chars := len([]rune(strings.TrimSpace(text)))
	if chars == 0 || chars/pages < 20 {
		return false
	}
	return printableRatio(text) >= 0.85 && wordlikeRatio(text) >= 0.5
}

func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF: // private use area
		return true
	case r == unicode.ReplacementChar:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t' && r != '\f':
		return true
	}
	return false
}

// wordlikeRatio is the share of tokens 2..15 runes long containing a letter.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	n := 0
	for _, f := range fields {
		l := len([]rune(f))
		if l >= 2 && l <= 15 && strings.IndexFunc(f, unicode.IsLetter) >= 0 {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}
