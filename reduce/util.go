package reduce

import (
	"sort"

	"github.com/x448/float16"

	"github.com/sarchlab/shardpipe"
)

// sortParamsByNumel orders parameters smallest first, keeping module order
// among equals. Small gradients come up first during packing, so they are the
// ones that end up sharing buckets.
func sortParamsByNumel(params []*shardpipe.Parameter) {
	sort.SliceStable(params, func(i, j int) bool {
		return params[i].Numel() < params[j].Numel()
	})
}

func trainableMask(params []*shardpipe.Parameter) []bool {
	mask := make([]bool, len(params))
	for i, p := range params {
		mask[i] = p.RequiresGrad
	}
	return mask
}

func equalMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func anyTrue(mask []bool) bool {
	for _, v := range mask {
		if v {
			return true
		}
	}
	return false
}

func scale(buf []float32, s float32) {
	for i := range buf {
		buf[i] *= s
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// roundFP16 copies buf into a fresh buffer, rounding every element through
// half precision. Reducing the copy lets the local full-precision gradient be
// released while the operation is in flight.
func roundFP16(buf []float32) []float32 {
	out := make([]float32, len(buf))
	for i, v := range buf {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}
