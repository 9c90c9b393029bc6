package api

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the fields of HuggingFace's "tokenizer_config.json" used to resolve special tokens.
type Config struct {
	TokenizerClass     string                      `json:"tokenizer_class"`
	DoLowerCase        bool                        `json:"do_lower_case"`
	ModelMaxLength     float64                     `json:"model_max_length"`
	CleanUpSpaces      bool                        `json:"clean_up_tokenization_spaces"`
	ChatTemplate       string                      `json:"chat_template"`
	BosToken           string                      `json:"-"`
	EosToken           string                      `json:"-"`
	UnkToken           string                      `json:"-"`
	SepToken           string                      `json:"-"`
	PadToken           string                      `json:"-"`
	ClsToken           string                      `json:"-"`
	MaskToken          string                      `json:"-"`
	AddedTokensDecoder map[string]AddedTokenConfig `json:"added_tokens_decoder"`
}

// AddedTokenConfig is an entry of the "added_tokens_decoder" table, keyed by the token id.
type AddedTokenConfig struct {
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// tokenValue is a special token definition, which can be either a plain string or an object with
// a "content" field.
type tokenValue string

func (v *tokenValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrapf(err, "special token must be a string or an object with \"content\", got %s", data)
	}
	*v = tokenValue(obj.Content)
	return nil
}

// ParseConfigContent parses the contents of a "tokenizer_config.json" file.
func ParseConfigContent(content []byte) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer config")
	}
	var tokens struct {
		Bos  tokenValue `json:"bos_token"`
		Eos  tokenValue `json:"eos_token"`
		Unk  tokenValue `json:"unk_token"`
		Sep  tokenValue `json:"sep_token"`
		Pad  tokenValue `json:"pad_token"`
		Cls  tokenValue `json:"cls_token"`
		Mask tokenValue `json:"mask_token"`
	}
	if err := json.Unmarshal(content, &tokens); err != nil {
		return nil, errors.Wrap(err, "failed to parse special tokens of tokenizer config")
	}
	config.BosToken = string(tokens.Bos)
	config.EosToken = string(tokens.Eos)
	config.UnkToken = string(tokens.Unk)
	config.SepToken = string(tokens.Sep)
	config.PadToken = string(tokens.Pad)
	config.ClsToken = string(tokens.Cls)
	config.MaskToken = string(tokens.Mask)
	return config, nil
}

// ParseConfigFile reads and parses a "tokenizer_config.json" file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", filePath)
	}
	config, err := ParseConfigContent(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "in file %q", filePath)
	}
	return config, nil
}

// SpecialTokenStrings returns the non-empty special token strings configured, keyed by their semantic.
func (c *Config) SpecialTokenStrings() map[SpecialToken]string {
	m := make(map[SpecialToken]string)
	for tok, s := range map[SpecialToken]string{
		TokBeginningOfSentence: c.BosToken,
		TokEndOfSentence:       c.EosToken,
		TokUnknown:             c.UnkToken,
		TokPad:                 c.PadToken,
		TokMask:                c.MaskToken,
		TokClassification:      c.ClsToken,
	} {
		if s != "" {
			m[tok] = s
		}
	}
	return m
}
