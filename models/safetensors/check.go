package safetensors

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NonFiniteError lists the tensors holding NaN or Inf values.
type NonFiniteError struct {
	// Counts maps tensor name to the number of non-finite values.
	Counts map[string]int
}

func (e *NonFiniteError) Error() string {
	parts := make([]string, 0, len(e.Counts))
	for name, count := range e.Counts {
		parts = append(parts, fmt.Sprintf("%s (%d)", name, count))
	}
	slices.Sort(parts)
	return fmt.Sprintf("%d weight tensors hold NaN/Inf values: %s", len(e.Counts), strings.Join(parts, ", "))
}

// CheckFinite reads every floating point tensor of the model and returns a *NonFiniteError if any holds NaN or
// Inf values. Tensors of other dtypes are skipped.
func (m *Model) CheckFinite(ctx context.Context) error {
	counts := make(map[string]int)
	var checked int
	for tn, err := range m.IterTensors() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "checking weights")
		}
		n, ok := countNonFinite(tn.Tensor)
		if !ok {
			continue
		}
		checked++
		if n > 0 {
			klog.Warningf("weight tensor %q (%s) holds %d NaN/Inf values", tn.Name, tn.Tensor.Shape(), n)
			counts[tn.Name] = n
		}
	}
	klog.V(1).Infof("checked %d floating point weight tensors of %s", checked, m.Repo)
	if len(counts) > 0 {
		return &NonFiniteError{Counts: counts}
	}
	return nil
}

// countNonFinite returns the number of NaN/Inf values of t, and false if t is not a float tensor.
//
// Values are inspected in their stored little-endian representation: a value is not finite when all
// the exponent bits are set.
func countNonFinite(t *tensors.Tensor) (count int, ok bool) {
	var width int
	var isNonFinite func(b []byte) bool
	switch t.DType() {
	case dtypes.Float16:
		width = 2
		isNonFinite = func(b []byte) bool { return binary.LittleEndian.Uint16(b)&0x7c00 == 0x7c00 }
	case dtypes.BFloat16:
		width = 2
		isNonFinite = func(b []byte) bool { return binary.LittleEndian.Uint16(b)&0x7f80 == 0x7f80 }
	case dtypes.Float32:
		width = 4
		isNonFinite = func(b []byte) bool {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			return math.IsNaN(v) || math.IsInf(v, 0)
		}
	case dtypes.Float64:
		width = 8
		isNonFinite = func(b []byte) bool {
			v := math.Float64frombits(binary.LittleEndian.Uint64(b))
			return math.IsNaN(v) || math.IsInf(v, 0)
		}
	default:
		return 0, false
	}
	t.MutableBytes(func(data []byte) {
		for i := 0; i+width <= len(data); i += width {
			if isNonFinite(data[i : i+width]) {
				count++
			}
		}
	})
	return count, true
}
