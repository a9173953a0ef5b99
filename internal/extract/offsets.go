package extract

import "unicode/utf8"

// runeIndex maps byte offsets of a string to code point offsets.
type runeIndex []int

func newRuneIndex(s string) runeIndex {
	idx := make(runeIndex, len(s)+1)
	n := 0
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		for j := 0; j < size; j++ {
			idx[i+j] = n
		}
		i += size
		n++
	}
	idx[len(s)] = n
	return idx
}

func (r runeIndex) at(byteOff int) int { return r[byteOff] }
