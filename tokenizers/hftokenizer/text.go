package hftokenizer

import (
	"strings"
	"unicode"
)

func cleanText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	// ASCII non-alphanumeric characters count as punctuation, as in BERT.
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// removeAccents drops non-spacing marks; text is expected to be NFD normalized.
func removeAccents(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, text)
}

// splitOn splits text on whitespace (dropped) and on runes for which isolate returns true (kept as
// individual words).
func splitOn(text string, isolate func(rune) bool) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case isWhitespace(r):
			flush()
		case isolate(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

func bertPreTokenize(text string) []string {
	return splitOn(text, func(r rune) bool {
		return isPunctuation(r) || isCJK(r)
	})
}

func punctuationPreTokenize(text string) []string {
	return splitOn(text, isPunctuation)
}

// isCJK reports whether r is a CJK ideograph, which BERT tokenizes as individual words.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// GPT-2 byte-level BPE maps every byte to a printable rune.
var (
	byteToUnicode [256]rune
	unicodeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToUnicode[b] = rune(b)
		} else {
			byteToUnicode[b] = rune(256 + n)
			n++
		}
		unicodeToByte[byteToUnicode[b]] = byte(b)
	}
}

// byteLevelPreTokenize splits on spaces, keeping each space attached to the following word, and maps
// the bytes of each word to their byte-level runes.
func byteLevelPreTokenize(text string) []string {
	var words []string
	var current strings.Builder
	inWord := false
	for _, r := range text {
		if r == ' ' {
			if inWord {
				words = append(words, current.String())
				current.Reset()
			}
			current.WriteRune(byteToUnicode[' '])
			inWord = false
			continue
		}
		inWord = true
		for _, b := range []byte(string(r)) {
			current.WriteRune(byteToUnicode[b])
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}
	return words
}

func byteLevelDecode(text string) string {
	result := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := unicodeToByte[r]; ok {
			result = append(result, b)
		} else {
			result = append(result, string(r)...)
		}
	}
	return string(result)
}

func metaspacePreTokenize(text string, addPrefixSpace bool) []string {
	if addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", "▁")
	var words []string
	var current strings.Builder
	for _, r := range text {
		if r == '▁' && current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}
	return words
}
