package generation

import (
	"math"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

type hypothesis struct {
	tokens []int

	// logProb is the sum of the log-probabilities of the generated tokens.
	logProb float64

	// score of finished hypotheses: logProb normalized by the length.
	score float64
}

type candidate struct {
	beam    int
	token   int
	logProb float64
}

// search is the state of one beam search.
type search struct {
	config Config
	prefix []int
	step   int

	beams    []hypothesis
	finished []hypothesis
	stopped  bool
}

func newSearch(config Config, prefix []int) *search {
	return &search{
		config: config,
		prefix: prefix,
		beams:  []hypothesis{{tokens: slices.Clone(prefix)}},
	}
}

func (s *search) sequences() [][]int {
	seqs := make([][]int, len(s.beams))
	for i, b := range s.beams {
		seqs[i] = b.tokens
	}
	return seqs
}

func (s *search) isEOS(token int) bool {
	return slices.Contains(s.config.EOSTokenIDs, token)
}

func (s *search) lengthScore(logProb float64, length int) float64 {
	return logProb / math.Pow(float64(max(length, 1)), s.config.LengthPenalty)
}

// addFinished records a finished hypothesis, keeping only the NumBeams best ones.
func (s *search) addFinished(h hypothesis, length int) {
	h.score = s.lengthScore(h.logProb, length)
	s.finished = append(s.finished, h)
	sort.SliceStable(s.finished, func(i, j int) bool { return s.finished[i].score > s.finished[j].score })
	if len(s.finished) > s.config.NumBeams {
		s.finished = s.finished[:s.config.NumBeams]
	}
}

// advance extends the beams with the logits of the current step.
func (s *search) advance(logits [][]float32) error {
	numBeams := s.config.NumBeams
	curLen := len(s.beams[0].tokens)
	var candidates []candidate
	for i, row := range logits {
		logProbs, err := logSoftmax(row, s.beams[i].tokens, s.config.RepetitionPenalty)
		if err != nil {
			return errors.WithMessagef(err, "step %d, beam %d", s.step, i)
		}
		if curLen < s.config.MinLength {
			for _, eos := range s.config.EOSTokenIDs {
				if eos >= 0 && eos < len(logProbs) {
					logProbs[eos] = math.Inf(-1)
				}
			}
		}
		candidates = append(candidates, topCandidates(i, s.beams[i].logProb, logProbs, 2*numBeams)...)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].logProb > candidates[j].logProb })

	next := make([]hypothesis, 0, numBeams)
	for rank, c := range candidates {
		if math.IsInf(c.logProb, -1) {
			break
		}
		tokens := append(slices.Clone(s.beams[c.beam].tokens), c.token)
		if s.isEOS(c.token) {
			// Finished hypotheses only count if they would have made it into the beams.
			if rank < numBeams {
				s.addFinished(hypothesis{tokens: tokens, logProb: c.logProb}, curLen-len(s.prefix)+1)
			}
			continue
		}
		next = append(next, hypothesis{tokens: tokens, logProb: c.logProb})
		if len(next) == numBeams {
			break
		}
	}
	s.step++
	s.beams = next
	if len(next) == 0 || s.searchFinished(curLen+1) {
		s.stopped = true
	}
	return nil
}

// searchFinished returns whether none of the running beams can improve the finished hypotheses.
func (s *search) searchFinished(curLen int) bool {
	if len(s.finished) < s.config.NumBeams {
		return false
	}
	if s.config.EarlyStopping {
		return true
	}
	worst := s.finished[len(s.finished)-1].score
	bestRunning := s.lengthScore(s.beams[0].logProb, curLen-len(s.prefix))
	return worst >= bestRunning
}

func (s *search) done() bool {
	return s.stopped || len(s.beams[0].tokens) >= s.config.MaxLength
}

// best returns the highest scoring hypothesis, considering the still running beams when the maximum
// length was reached.
func (s *search) best() hypothesis {
	if !s.stopped {
		for _, b := range s.beams {
			s.addFinished(b, len(b.tokens)-len(s.prefix))
		}
	}
	if len(s.finished) == 0 {
		return hypothesis{tokens: slices.Clone(s.prefix)}
	}
	return s.finished[0]
}

// topCandidates returns the k best continuations of a beam.
func topCandidates(beam int, beamLogProb float64, logProbs []float64, k int) []candidate {
	top := make([]candidate, 0, k+1)
	for token, lp := range logProbs {
		if math.IsInf(lp, -1) {
			continue
		}
		if len(top) == k && lp <= top[k-1].logProb-beamLogProb {
			continue
		}
		c := candidate{beam: beam, token: token, logProb: beamLogProb + lp}
		pos := sort.Search(len(top), func(i int) bool { return top[i].logProb < c.logProb })
		top = slices.Insert(top, pos, c)
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}
