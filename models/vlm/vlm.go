// Package vlm reads the configuration of an encoder-decoder vision-language captioning model (BLIP and
// similar "vision2seq" checkpoints): the token ids the generation needs from "config.json" and the image
// preprocessing from "preprocessor_config.json".
package vlm

import (
	"encoding/json"
	"os"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/gomlx/go-medreport/report"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ConfigFileName is the model configuration file.
	ConfigFileName = "config.json"

	// PreprocessorConfigFileName is the optional image processor configuration file.
	PreprocessorConfigFileName = "preprocessor_config.json"
)

// Config of a captioning model. Token ids missing from the configuration are absent.
type Config struct {
	ModelType string

	VocabSize           report.OptionalID
	BOSTokenID          report.OptionalID
	EOSTokenIDs         []int
	PadTokenID          report.OptionalID
	SEPTokenID          report.OptionalID
	DecoderStartTokenID report.OptionalID

	// MaxLength configured for generation, 0 if not set.
	MaxLength int

	// Image preprocessing.
	Image imageproc.Config
}

// rawIDs are the token id fields, which appear both at the top level of config.json and inside
// "text_config" / "decoder" sections.
type rawIDs struct {
	VocabSize           *int            `json:"vocab_size"`
	BOSTokenID          *int            `json:"bos_token_id"`
	EOSTokenID          json.RawMessage `json:"eos_token_id"` // int or []int
	PadTokenID          *int            `json:"pad_token_id"`
	SEPTokenID          *int            `json:"sep_token_id"`
	DecoderStartTokenID *int            `json:"decoder_start_token_id"`
	MaxLength           int             `json:"max_length"`
}

type rawConfig struct {
	rawIDs
	ModelType    string  `json:"model_type"`
	TextConfig   *rawIDs `json:"text_config"`
	Decoder      *rawIDs `json:"decoder"`
	ImageSize    any     `json:"image_size"`
	VisionConfig *struct {
		ImageSize int `json:"image_size"`
	} `json:"vision_config"`
}

type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	DoResize      *bool     `json:"do_resize"`
	DoRescale     *bool     `json:"do_rescale"`
	DoNormalize   *bool     `json:"do_normalize"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
	ImageSize     any       `json:"image_size"`
}

// Load reads the configuration files of the repo. "preprocessor_config.json" is optional.
func Load(repo *hub.Repo) (*Config, error) {
	configPath, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't get %s", ConfigFileName)
	}
	configJSON, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", configPath)
	}
	var preprocessorJSON []byte
	if repo.HasFile(PreprocessorConfigFileName) {
		path, err := repo.DownloadFile(PreprocessorConfigFileName)
		if err != nil {
			return nil, errors.WithMessagef(err, "can't get %s", PreprocessorConfigFileName)
		}
		if preprocessorJSON, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrapf(err, "reading %q", path)
		}
	} else {
		klog.V(1).Infof("%s has no %s, using default image preprocessing", repo, PreprocessorConfigFileName)
	}
	return Parse(configJSON, preprocessorJSON)
}

// Parse the contents of "config.json" and, if not empty, of "preprocessor_config.json".
func Parse(configJSON, preprocessorJSON []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(configJSON, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", ConfigFileName)
	}
	c := &Config{ModelType: raw.ModelType, Image: imageproc.DefaultConfig()}

	// Top level first, then the text decoder section, which takes precedence.
	for _, ids := range []*rawIDs{&raw.rawIDs, raw.Decoder, raw.TextConfig} {
		if ids == nil {
			continue
		}
		if err := c.mergeIDs(ids); err != nil {
			return nil, errors.WithMessagef(err, "parsing %s", ConfigFileName)
		}
	}

	if size := extractImageSize(raw.ImageSize); size > 0 {
		c.Image.Size = size
	} else if raw.VisionConfig != nil && raw.VisionConfig.ImageSize > 0 {
		c.Image.Size = raw.VisionConfig.ImageSize
	}

	if len(preprocessorJSON) > 0 {
		var pre rawPreprocessorConfig
		if err := json.Unmarshal(preprocessorJSON, &pre); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", PreprocessorConfigFileName)
		}
		if err := c.mergePreprocessor(&pre); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func setID(dst *report.OptionalID, src *int) {
	if src != nil {
		*dst = report.SomeID(*src)
	}
}

func (c *Config) mergeIDs(ids *rawIDs) error {
	setID(&c.VocabSize, ids.VocabSize)
	setID(&c.BOSTokenID, ids.BOSTokenID)
	setID(&c.PadTokenID, ids.PadTokenID)
	setID(&c.SEPTokenID, ids.SEPTokenID)
	setID(&c.DecoderStartTokenID, ids.DecoderStartTokenID)
	if ids.MaxLength > 0 {
		c.MaxLength = ids.MaxLength
	}
	if len(ids.EOSTokenID) == 0 || string(ids.EOSTokenID) == "null" {
		return nil
	}
	var single int
	if err := json.Unmarshal(ids.EOSTokenID, &single); err == nil {
		c.EOSTokenIDs = []int{single}
		return nil
	}
	var list []int
	if err := json.Unmarshal(ids.EOSTokenID, &list); err != nil {
		return errors.Errorf("eos_token_id must be an int or a list of ints, got %s", ids.EOSTokenID)
	}
	c.EOSTokenIDs = list
	return nil
}

func (c *Config) mergePreprocessor(pre *rawPreprocessorConfig) error {
	if size := extractImageSize(pre.Size); size > 0 {
		c.Image.Size = size
	} else if size := extractImageSize(pre.ImageSize); size > 0 {
		c.Image.Size = size
	}
	if len(pre.ImageMean) > 0 {
		if len(pre.ImageMean) != 3 {
			return errors.Errorf("%s: image_mean must have 3 values, got %v", PreprocessorConfigFileName, pre.ImageMean)
		}
		copy(c.Image.Mean[:], pre.ImageMean)
	}
	if len(pre.ImageStd) > 0 {
		if len(pre.ImageStd) != 3 {
			return errors.Errorf("%s: image_std must have 3 values, got %v", PreprocessorConfigFileName, pre.ImageStd)
		}
		copy(c.Image.Std[:], pre.ImageStd)
	}
	if pre.RescaleFactor > 0 {
		c.Image.RescaleFactor = pre.RescaleFactor
	}
	if pre.DoResize != nil {
		c.Image.DoResize = *pre.DoResize
	}
	if pre.DoRescale != nil {
		c.Image.DoRescale = *pre.DoRescale
	}
	if pre.DoNormalize != nil {
		c.Image.DoNormalize = *pre.DoNormalize
	}
	return nil
}

// extractImageSize from an int or from {"height": N, "width": N} / {"shortest_edge": N}.
func extractImageSize(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case map[string]any:
		if h, ok := val["height"].(float64); ok {
			return int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se)
		}
	}
	return 0
}

// StartTokenID is the first token of every generated sequence: decoder_start_token_id, or the
// beginning-of-sentence token (BLIP's "[DEC]").
func (c *Config) StartTokenID() (int, bool) {
	if id, ok := c.DecoderStartTokenID.Get(); ok {
		return id, true
	}
	return c.BOSTokenID.Get()
}

// StopTokenIDs end generation. BLIP text decoders stop on the separator token; other models on their
// end-of-sentence tokens.
func (c *Config) StopTokenIDs() []int {
	if c.ModelType == "blip" {
		if id, ok := c.SEPTokenID.Get(); ok {
			return []int{id}
		}
	}
	return c.EOSTokenIDs
}

// Snapshot returns the configuration logged along with degenerate decodes.
func (c *Config) Snapshot() report.ModelSnapshot {
	s := report.ModelSnapshot{
		ModelType: c.ModelType,
		VocabSize: c.VocabSize,
		BOS:       c.BOSTokenID,
		Pad:       c.PadTokenID,
	}
	if stop := c.StopTokenIDs(); len(stop) > 0 {
		s.EOS = report.SomeID(stop[0])
	}
	return s
}
