package clip

import (
	"fmt"
	"math"
)

// L2Normalize scales v in place to unit Euclidean norm and returns it.
func L2Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("cannot normalize feature vector with norm %v", norm)
	}
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v, nil
}
