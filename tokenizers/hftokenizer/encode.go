package hftokenizer

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type         string       `json:"type"`
	Lowercase    bool         `json:"lowercase"`
	StripAccents *bool        `json:"strip_accents"`
	CleanText    *bool        `json:"clean_text"`
	Pattern      *Pattern     `json:"pattern"`
	Content      string       `json:"content"`
	Prepend      string       `json:"prepend"`
	Normalizers  []Normalizer `json:"normalizers"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace bool           `json:"add_prefix_space"`
	Replacement    string         `json:"replacement"`
	PrependScheme  string         `json:"prepend_scheme"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
	Pattern        *Pattern       `json:"pattern"`
	Behavior       string         `json:"behavior"`
	Invert         bool           `json:"invert"`
}

// Encode converts text to a sequence of token IDs. No special tokens are added.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range t.preTokenize(t.normalize(text)) {
		ids = append(ids, t.tokenizeWord(word)...)
	}
	return ids
}

// normalize applies the normalizer to the text.
func (t *Tokenizer) normalize(text string) string {
	if t.tokenizer.Normalizer == nil {
		return text
	}
	return applyNormalizer(text, t.tokenizer.Normalizer)
}

func applyNormalizer(text string, n *Normalizer) string {
	switch n.Type {
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return removeAccents(norm.NFD.String(text))
	case "BertNormalizer":
		result := text
		if n.CleanText == nil || *n.CleanText {
			result = cleanText(result)
		}
		if n.Lowercase {
			result = strings.ToLower(result)
		}
		// strip_accents defaults to the lowercase setting.
		if (n.StripAccents == nil && n.Lowercase) || (n.StripAccents != nil && *n.StripAccents) {
			result = removeAccents(norm.NFD.String(result))
		}
		return result
	case "Sequence":
		for i := range n.Normalizers {
			text = applyNormalizer(text, &n.Normalizers[i])
		}
		return text
	case "Replace":
		return replacePattern(text, n.Pattern, n.Content)
	case "Prepend":
		if text == "" {
			return text
		}
		return n.Prepend + text
	default:
		return text
	}
}

// replacePattern replaces every match of pattern in text by content.
func replacePattern(text string, pattern *Pattern, content string) string {
	if pattern == nil {
		return text
	}
	if pattern.String != "" {
		return strings.ReplaceAll(text, pattern.String, content)
	}
	if pattern.Regex != "" {
		re, err := compilePattern(pattern.Regex)
		if err != nil {
			return text
		}
		return re.ReplaceAllLiteralString(text, content)
	}
	return text
}

var (
	compiledPatternsMu sync.Mutex
	compiledPatterns   = make(map[string]*regexp.Regexp)
)

// compilePattern compiles and caches a regular expression. Patterns using syntax Go doesn't support
// (like look-ahead) fail, and callers fall back to whitespace splitting.
func compilePattern(expr string) (*regexp.Regexp, error) {
	compiledPatternsMu.Lock()
	defer compiledPatternsMu.Unlock()
	if re, ok := compiledPatterns[expr]; ok {
		if re == nil {
			return nil, errors.Errorf("tokenizer pattern %q not supported", expr)
		}
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		klog.V(1).Infof("tokenizer pattern %q not supported: %v", expr, err)
		compiledPatterns[expr] = nil
		return nil, errors.Wrapf(err, "compiling tokenizer pattern %q", expr)
	}
	compiledPatterns[expr] = re
	return re, nil
}

// preTokenize splits text into words using the pre-tokenizer.
func (t *Tokenizer) preTokenize(text string) []string {
	if t.tokenizer.PreTokenizer == nil {
		return strings.Fields(text)
	}
	return applyPreTokenizer(text, t.tokenizer.PreTokenizer)
}

func applyPreTokenizer(text string, pt *PreTokenizer) []string {
	switch pt.Type {
	case "BertPreTokenizer":
		return bertPreTokenize(text)
	case "Whitespace", "WhitespaceSplit":
		return strings.Fields(text)
	case "ByteLevel":
		if pt.AddPrefixSpace && len(text) > 0 && text[0] != ' ' {
			text = " " + text
		}
		return byteLevelPreTokenize(text)
	case "Metaspace":
		addPrefix := pt.AddPrefixSpace || pt.PrependScheme == "always" || pt.PrependScheme == "first"
		return metaspacePreTokenize(text, addPrefix)
	case "Sequence":
		result := []string{text}
		for i := range pt.PreTokenizers {
			var next []string
			for _, s := range result {
				next = append(next, applyPreTokenizer(s, &pt.PreTokenizers[i])...)
			}
			result = next
		}
		return result
	case "Split":
		return splitPreTokenize(text, pt)
	case "Punctuation":
		return punctuationPreTokenize(text)
	default:
		return strings.Fields(text)
	}
}

// splitPreTokenize implements the "Split" pre-tokenizer for the "Removed" and "Isolated" behaviors.
// Other behaviors are treated as "Isolated".
func splitPreTokenize(text string, pt *PreTokenizer) []string {
	if pt.Pattern == nil {
		return strings.Fields(text)
	}
	var matches [][]int
	if pt.Pattern.String != "" {
		re := regexp.MustCompile(regexp.QuoteMeta(pt.Pattern.String))
		matches = re.FindAllStringIndex(text, -1)
	} else {
		re, err := compilePattern(pt.Pattern.Regex)
		if err != nil {
			return strings.Fields(text)
		}
		matches = re.FindAllStringIndex(text, -1)
	}
	var parts []string
	pos := 0
	for _, m := range matches {
		if m[0] > pos {
			parts = append(parts, text[pos:m[0]])
		}
		if pt.Behavior != "Removed" && m[1] > m[0] {
			parts = append(parts, text[m[0]:m[1]])
		}
		pos = m[1]
	}
	if pos < len(text) {
		parts = append(parts, text[pos:])
	}
	return parts
}

// tokenizeWord tokenizes a single word according to the model type.
func (t *Tokenizer) tokenizeWord(word string) []int {
	if id, ok := t.addedTokens[word]; ok {
		return []int{id}
	}
	switch t.tokenizer.Model.Type {
	case "WordPiece":
		return t.wordPieceTokenize(word)
	case "BPE":
		return t.bpeTokenize(word)
	case "Unigram":
		return t.unigramTokenize(word)
	default:
		if id, ok := t.tokenizer.Model.Vocab.IDs[word]; ok {
			return []int{id}
		}
		return t.unknown()
	}
}

// unknown returns the unknown token, if one is defined.
func (t *Tokenizer) unknown() []int {
	if id, ok := t.special[api.TokUnknown]; ok {
		return []int{id}
	}
	return nil
}

// wordPieceTokenize implements greedy longest-match-first WordPiece tokenization.
func (t *Tokenizer) wordPieceTokenize(word string) []int {
	if word == "" {
		return nil
	}
	maxChars := t.tokenizer.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len([]rune(word)) > maxChars {
		return t.unknown()
	}
	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	var tokens []int
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for start < end {
			substr := word[start:end]
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab.IDs[substr]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			end--
		}
		if !found {
			return t.unknown()
		}
		start = end
	}
	return tokens
}

// bpeTokenize implements BPE tokenization by applying merges in rank order.
func (t *Tokenizer) bpeTokenize(word string) []int {
	if word == "" {
		return nil
	}
	var symbols []string
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if suffix := t.tokenizer.Model.EndOfWordSuffix; suffix != "" {
		symbols[len(symbols)-1] += suffix
	}

	for len(symbols) > 1 {
		bestRank, bestIdx := -1, -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.mergeRanks[symbols[i]+" "+symbols[i+1]]; ok && (bestRank == -1 || rank < bestRank) {
				bestRank, bestIdx = rank, i
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx+1], symbols[bestIdx+2:]...)
		symbols[bestIdx] = merged
	}

	var ids []int
	for _, sym := range symbols {
		if id, ok := t.tokenizer.Model.Vocab.IDs[sym]; ok {
			ids = append(ids, id)
			continue
		}
		if t.tokenizer.Model.ByteFallback {
			if byteIDs, ok := t.byteFallbackIDs(sym); ok {
				ids = append(ids, byteIDs...)
				continue
			}
		}
		ids = append(ids, t.unknown()...)
	}
	return ids
}

// byteFallbackIDs encodes sym as "<0xXX>" byte tokens, if all of them are in the vocabulary.
func (t *Tokenizer) byteFallbackIDs(sym string) ([]int, bool) {
	ids := make([]int, 0, len(sym))
	for _, b := range []byte(sym) {
		id, ok := t.tokenizer.Model.Vocab.IDs[byteToken(b)]
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// unigramTokenize finds the segmentation of word with the highest total score (Viterbi). Characters
// not covered by any piece are mapped to the unknown token, with a large penalty.
func (t *Tokenizer) unigramTokenize(word string) []int {
	runes := []rune(word)
	n := len(runes)
	if n == 0 {
		return nil
	}
	const unkPenalty = -10.0
	scores := t.tokenizer.Model.Vocab.Scores
	best := make([]float64, n+1)
	from := make([]int, n+1)
	pieceID := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
	}
	for end := 1; end <= n; end++ {
		for start := 0; start < end; start++ {
			if math.IsInf(best[start], -1) {
				continue
			}
			id, ok := t.tokenizer.Model.Vocab.IDs[string(runes[start:end])]
			score := unkPenalty
			if ok {
				if id < len(scores) {
					score = scores[id]
				}
			} else if end-start > 1 {
				continue
			} else {
				id = -1
				score = unkPenalty - 100
			}
			if s := best[start] + score; s > best[end] {
				best[end], from[end], pieceID[end] = s, start, id
			}
		}
	}

	var reversed []int
	for pos := n; pos > 0; pos = from[pos] {
		reversed = append(reversed, pieceID[pos])
	}
	ids := make([]int, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		if reversed[i] >= 0 {
			ids = append(ids, reversed[i])
		} else {
			ids = append(ids, t.unknown()...)
		}
	}
	return ids
}
