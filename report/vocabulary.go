package report

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
)

// VocabularyInfo holds read-only facts about a tokenizer vocabulary: its size, the optional unknown
// token id and the special token ids stripped when decoding.
//
// It is built once at startup and shared by all requests. The With* methods are only meant to be used
// while building it.
type VocabularyInfo struct {
	size       int
	unknownID  OptionalID
	specialIDs *roaring.Bitmap
}

// NewVocabularyInfo creates a VocabularyInfo for a vocabulary with the given number of ids.
// Use Validate (called by NewDecoder) to check it.
func NewVocabularyInfo(size int) *VocabularyInfo {
	return &VocabularyInfo{size: size, specialIDs: roaring.New()}
}

// WithUnknownID sets the id used to replace out-of-vocabulary ids.
func (v *VocabularyInfo) WithUnknownID(id int) *VocabularyInfo {
	v.unknownID = SomeID(id)
	return v
}

// WithSpecialIDs adds ids to the set of special tokens stripped on decode. Negative ids are ignored.
func (v *VocabularyInfo) WithSpecialIDs(ids ...int) *VocabularyInfo {
	for _, id := range ids {
		if id >= 0 && uint64(id) <= math.MaxUint32 {
			v.specialIDs.Add(uint32(id))
		}
	}
	return v
}

// VocabularyFromTokenizer derives the VocabularyInfo of a tokenizer. A tokenizer without an unknown
// token yields a VocabularyInfo without one.
func VocabularyFromTokenizer(tok api.TokenizerWithVocabulary) *VocabularyInfo {
	v := NewVocabularyInfo(tok.VocabSize()).WithSpecialIDs(tok.SpecialTokenIDs()...)
	if id, err := tok.SpecialTokenID(api.TokUnknown); err == nil {
		v.WithUnknownID(id)
	}
	return v
}

// Validate checks that the size is positive and the unknown id, if any, is within the vocabulary.
func (v *VocabularyInfo) Validate() error {
	if v.size <= 0 {
		return errors.Errorf("vocabulary size must be positive, got %d", v.size)
	}
	if id, ok := v.unknownID.Get(); ok && (id < 0 || id >= v.size) {
		return errors.Errorf("unknown token id %d out of the vocabulary range [0, %d)", id, v.size)
	}
	return nil
}

// Size returns the number of ids in the vocabulary: valid ids are in [0, Size).
func (v *VocabularyInfo) Size() int {
	return v.size
}

// UnknownID returns the unknown token id and whether one is configured.
func (v *VocabularyInfo) UnknownID() (int, bool) {
	return v.unknownID.Get()
}

// IsSpecial returns whether id is one of the special tokens stripped on decode.
func (v *VocabularyInfo) IsSpecial(id int) bool {
	return id >= 0 && uint64(id) <= math.MaxUint32 && v.specialIDs.Contains(uint32(id))
}

// SpecialIDs returns the special token ids, in increasing order.
func (v *VocabularyInfo) SpecialIDs() []int {
	ids := make([]int, 0, v.specialIDs.GetCardinality())
	it := v.specialIDs.Iterator()
	for it.HasNext() {
		ids = append(ids, int(it.Next()))
	}
	return ids
}

// String implements fmt.Stringer.
func (v *VocabularyInfo) String() string {
	return fmt.Sprintf("vocabulary(size=%d, unknown=%s, special=%v)", v.size, v.unknownID, v.SpecialIDs())
}

// OptionalID is a token id that may be absent.
type OptionalID struct {
	id    int
	valid bool
}

// SomeID returns a present OptionalID.
func SomeID(id int) OptionalID {
	return OptionalID{id: id, valid: true}
}

// NoID is the absent OptionalID.
var NoID = OptionalID{}

// Get returns the id and whether it is present.
func (o OptionalID) Get() (int, bool) {
	return o.id, o.valid
}

// String returns the id, or "absent".
func (o OptionalID) String() string {
	if !o.valid {
		return "absent"
	}
	return fmt.Sprintf("%d", o.id)
}

// ModelSnapshot is the model configuration logged when a degenerate decode is detected.
type ModelSnapshot struct {
	ModelType string
	VocabSize OptionalID
	BOS       OptionalID
	EOS       OptionalID
	Pad       OptionalID
}

// String implements fmt.Stringer.
func (s ModelSnapshot) String() string {
	modelType := s.ModelType
	if modelType == "" {
		modelType = "unknown"
	}
	return fmt.Sprintf("model_type=%s vocab_size=%s bos=%s eos=%s pad=%s", modelType, s.VocabSize, s.BOS, s.EOS, s.Pad)
}
