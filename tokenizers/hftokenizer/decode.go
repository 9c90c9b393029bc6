package hftokenizer

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decoder represents the decoder configuration.
type Decoder struct {
	Type           string    `json:"type"`
	Prefix         string    `json:"prefix"`
	Suffix         string    `json:"suffix"`
	Cleanup        *bool     `json:"cleanup"`
	Decoders       []Decoder `json:"decoders"`
	Pattern        *Pattern  `json:"pattern"`
	Content        string    `json:"content"`
	Start          int       `json:"start"`
	Stop           int       `json:"stop"`
	Replacement    string    `json:"replacement"`
	AddPrefixSpace *bool     `json:"add_prefix_space"`
	PrependScheme  string    `json:"prepend_scheme"`
}

// Decode converts a sequence of token IDs back to text.
//
// Special tokens are decoded like any other token. IDs not in the vocabulary are dropped.
func (t *Tokenizer) Decode(ids []int) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	var text string
	if t.tokenizer.Decoder == nil {
		text = t.defaultDecode(tokens)
	} else {
		text = strings.Join(t.applyDecoder(tokens, t.tokenizer.Decoder), "")
	}
	if t.config != nil && t.config.CleanUpSpaces {
		text = cleanUpTokenization(text)
	}
	return text
}

// applyDecoder runs one step of the decoder chain. Each step maps tokens to tokens; the final result is
// the concatenation of the tokens.
func (t *Tokenizer) applyDecoder(tokens []string, d *Decoder) []string {
	switch d.Type {
	case "WordPiece":
		return wordPieceDecode(tokens, d)
	case "ByteLevel":
		return []string{byteLevelDecode(strings.Join(tokens, ""))}
	case "Metaspace":
		return metaspaceDecode(tokens, d)
	case "BPEDecoder":
		return bpeDecode(tokens, d)
	case "Replace":
		out := make([]string, len(tokens))
		for i, tok := range tokens {
			out[i] = replacePattern(tok, d.Pattern, d.Content)
		}
		return out
	case "Strip":
		return stripDecode(tokens, d)
	case "ByteFallback":
		return byteFallbackDecode(tokens)
	case "Fuse":
		return []string{strings.Join(tokens, "")}
	case "Sequence":
		for i := range d.Decoders {
			tokens = t.applyDecoder(tokens, &d.Decoders[i])
		}
		return tokens
	default:
		return []string{t.defaultDecode(tokens)}
	}
}

// defaultDecode is used when tokenizer.json has no decoder: WordPiece style joining on the
// model's continuing subword prefix.
func (t *Tokenizer) defaultDecode(tokens []string) string {
	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}
	return strings.Join(wordPieceDecode(tokens, &Decoder{Prefix: prefix}), "")
}

func wordPieceDecode(tokens []string, d *Decoder) []string {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "##"
	}
	cleanup := d.Cleanup == nil || *d.Cleanup
	out := make([]string, len(tokens))
	for i, token := range tokens {
		if trimmed, ok := strings.CutPrefix(token, prefix); ok {
			token = trimmed
		} else if i > 0 {
			token = " " + token
		}
		if cleanup {
			token = cleanUpTokenization(token)
		}
		out[i] = token
	}
	return out
}

func metaspaceDecode(tokens []string, d *Decoder) []string {
	replacement := d.Replacement
	if replacement == "" {
		replacement = "▁"
	}
	stripFirst := d.PrependScheme != "never" && (d.AddPrefixSpace == nil || *d.AddPrefixSpace)
	out := make([]string, len(tokens))
	for i, token := range tokens {
		token = strings.ReplaceAll(token, replacement, " ")
		if i == 0 && stripFirst {
			token = strings.TrimPrefix(token, " ")
		}
		out[i] = token
	}
	return out
}

func bpeDecode(tokens []string, d *Decoder) []string {
	suffix := d.Suffix
	if suffix == "" {
		suffix = "</w>"
	}
	out := make([]string, len(tokens))
	for i, token := range tokens {
		replacement := " "
		if i == len(tokens)-1 {
			replacement = ""
		}
		out[i] = strings.ReplaceAll(token, suffix, replacement)
	}
	return out
}

// stripDecode removes up to Start leading and Stop trailing occurrences of Content from each token.
func stripDecode(tokens []string, d *Decoder) []string {
	out := make([]string, len(tokens))
	for i, token := range tokens {
		for range d.Start {
			trimmed, ok := strings.CutPrefix(token, d.Content)
			if !ok {
				break
			}
			token = trimmed
		}
		for range d.Stop {
			trimmed, ok := strings.CutSuffix(token, d.Content)
			if !ok {
				break
			}
			token = trimmed
		}
		out[i] = token
	}
	return out
}

// byteFallbackDecode converts runs of "<0xXX>" tokens back to the UTF-8 text they encode. Invalid
// sequences become one U+FFFD per byte.
func byteFallbackDecode(tokens []string) []string {
	var out []string
	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if utf8.Valid(pending) {
			out = append(out, string(pending))
		} else {
			for range pending {
				out = append(out, string(utf8.RuneError))
			}
		}
		pending = pending[:0]
	}
	for _, token := range tokens {
		if b, ok := parseByteToken(token); ok {
			pending = append(pending, b)
			continue
		}
		flush()
		out = append(out, token)
	}
	flush()
	return out
}

// byteToken returns the byte fallback token for b, e.g. "<0x0A>".
func byteToken(b byte) string {
	return "<0x" + strings.ToUpper(strconv.FormatUint(uint64(b)|0x100, 16)[1:]) + ">"
}

func parseByteToken(token string) (byte, bool) {
	if len(token) != 6 || !strings.HasPrefix(token, "<0x") || token[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(token[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

var cleanUpReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// cleanUpTokenization removes the spaces left before punctuation and English contractions.
func cleanUpTokenization(text string) string {
	return cleanUpReplacer.Replace(text)
}
