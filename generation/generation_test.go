package generation

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/gomlx/go-medreport/imageproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vocabSize = 6
	startID   = 1
	eosID     = 2
)

// fakeModel returns logits that depend only on the last token of each sequence.
type fakeModel struct {
	next  map[int]map[int]float32
	steps int
}

func (m *fakeModel) EncodeImage(_ context.Context, pixels *imageproc.Tensor) (*EncoderOutput, error) {
	return &EncoderOutput{Hidden: pixels.Data, Shape: []int{1, len(pixels.Data), 1}}, nil
}

func (m *fakeModel) DecodeStep(_ context.Context, _ *EncoderOutput, sequences [][]int) ([][]float32, error) {
	m.steps++
	rows := make([][]float32, len(sequences))
	for i, seq := range sequences {
		row := make([]float32, vocabSize)
		for token, logit := range m.next[seq[len(seq)-1]] {
			row[token] = logit
		}
		rows[i] = row
	}
	return rows, nil
}

var pixels = &imageproc.Tensor{Data: []float32{0}, Shape: [4]int{1, 3, 1, 1}}

func testConfig() Config {
	c := DefaultConfig()
	c.MaxLength = 10
	c.StartTokenID = startID
	c.EOSTokenIDs = []int{eosID}
	return c
}

func newEngine(t *testing.T, model Model, config Config) *Engine {
	t.Helper()
	e, err := New(model, config)
	require.NoError(t, err)
	return e
}

func TestGenerate(t *testing.T) {
	model := &fakeModel{next: map[int]map[int]float32{
		startID: {3: 5, 4: 3},
		3:       {4: 5},
		4:       {eosID: 5},
	}}
	seq, err := newEngine(t, model, testConfig()).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 3, 4, eosID}, []int(seq))

	// With a prompt the generation continues from it.
	seq, err = newEngine(t, model, testConfig()).Generate(context.Background(), pixels, []int{4})
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 4, eosID}, []int(seq))
}

func TestGenerateMaxLength(t *testing.T) {
	model := &fakeModel{next: map[int]map[int]float32{
		startID: {3: 5},
		3:       {4: 5},
		4:       {3: 5},
	}}
	config := testConfig()
	config.MaxLength = 4
	config.RepetitionPenalty = 1
	seq, err := newEngine(t, model, config).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 3, 4, 3}, []int(seq))
	assert.Equal(t, 3, model.steps)

	// A prompt longer than the maximum length is truncated without decoding.
	model.steps = 0
	seq, err = newEngine(t, model, config).Generate(context.Background(), pixels, []int{3, 3, 3, 3})
	require.NoError(t, err)
	assert.Len(t, seq, 4)
	assert.Zero(t, model.steps)
}

func TestGenerateMinLength(t *testing.T) {
	model := &fakeModel{next: map[int]map[int]float32{
		startID: {eosID: 10},
		eosID:   {eosID: 10},
		3:       {eosID: 10},
		4:       {eosID: 10},
		5:       {eosID: 10},
		0:       {eosID: 10},
	}}
	config := testConfig()
	config.MinLength = 4
	seq, err := newEngine(t, model, config).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	idx := slices.Index(seq, eosID)
	assert.GreaterOrEqual(t, idx, 4, "sequence %v", seq)
	assert.LessOrEqual(t, len(seq), config.MaxLength)
}

func TestBeamSearchBeatsGreedy(t *testing.T) {
	// Token 3 is slightly more likely than 4 after the start, but only 4 leads to a confident ending.
	model := &fakeModel{next: map[int]map[int]float32{
		startID: {0: -10, startID: -10, eosID: -10, 3: 1.0, 4: 0.9, 5: -10},
		4:       {eosID: 10},
	}}
	config := testConfig()
	config.MaxLength = 6

	seq, err := newEngine(t, model, config).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 4, eosID}, []int(seq))

	config.NumBeams = 1
	seq, err = newEngine(t, model, config).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, seq[1])
}

type nanModel struct {
	fakeModel
	all bool
}

func (m *nanModel) DecodeStep(ctx context.Context, enc *EncoderOutput, sequences [][]int) ([][]float32, error) {
	rows, _ := m.fakeModel.DecodeStep(ctx, enc, sequences)
	for _, row := range rows {
		if m.all {
			for i := range row {
				row[i] = float32(math.NaN())
			}
		} else {
			row[5] = float32(math.Inf(1))
		}
	}
	return rows, nil
}

func TestGenerateNonFiniteLogits(t *testing.T) {
	next := map[int]map[int]float32{
		startID: {3: 5},
		3:       {eosID: 5},
	}
	model := &nanModel{fakeModel: fakeModel{next: next}}
	seq, err := newEngine(t, model, testConfig()).Generate(context.Background(), pixels, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{startID, 3, eosID}, []int(seq))

	model = &nanModel{fakeModel: fakeModel{next: next}, all: true}
	_, err = newEngine(t, model, testConfig()).Generate(context.Background(), pixels, nil)
	require.ErrorIs(t, err, ErrNonFiniteLogits)
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &fakeModel{}
	_, err := newEngine(t, model, testConfig()).Generate(ctx, pixels, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, model.steps)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	for name, modify := range map[string]func(*Config){
		"max_length":         func(c *Config) { c.MaxLength = 0 },
		"min_length":         func(c *Config) { c.MinLength = c.MaxLength + 1 },
		"num_beams":          func(c *Config) { c.NumBeams = 0 },
		"repetition_penalty": func(c *Config) { c.RepetitionPenalty = 0 },
		"length_penalty":     func(c *Config) { c.LengthPenalty = math.NaN() },
		"start_token":        func(c *Config) { c.StartTokenID = -1 },
	} {
		c := testConfig()
		modify(&c)
		err := c.Validate()
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), name[:5], name)
	}
	_, err := New(nil, testConfig())
	require.Error(t, err)
}

func TestLogSoftmax(t *testing.T) {
	logProbs, err := logSoftmax([]float32{2, -2, 0}, []int{0, 1}, 2)
	require.NoError(t, err)
	// Penalized logits are [1, -4, 0].
	norm := math.Log(math.Exp(1) + math.Exp(-4) + 1)
	assert.InDelta(t, 1-norm, logProbs[0], 1e-9)
	assert.InDelta(t, -4-norm, logProbs[1], 1e-9)
	assert.InDelta(t, -norm, logProbs[2], 1e-9)

	logProbs, err = logSoftmax([]float32{float32(math.NaN()), 0}, nil, 1)
	require.NoError(t, err)
	assert.True(t, math.IsInf(logProbs[0], -1))
	assert.InDelta(t, 0, logProbs[1], 1e-9)
}
