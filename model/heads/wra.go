package heads

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/jmorganca/uniter/ml"
	"github.com/jmorganca/uniter/model/input"
)

// wra aligns text tokens with image regions through an optimal-transport
// distance (IPOT). Matched pairs are pushed toward cheap transport plans,
// mismatched pairs away from them.
type wra struct {
	cfg Config

	// iterations of the IPOT proximal point loop
	iterations int
	beta       float64
}

func newWRA(ctx ml.Context, c Config, _ ml.Tensor) (Head, error) {
	return &wra{cfg: c, iterations: 10, beta: 0.5}, nil
}

func (h *wra) Forward(ctx ml.Context, sequenceOutput ml.Tensor, batch *input.Batch) (*Output, error) {
	txtPad := batch.Get(h.cfg.TxtPadKey)
	imgPad := batch.Get(h.cfg.ImgPadKey)
	labels := batch.Get(h.cfg.WRALabelKey)
	if txtPad == nil || imgPad == nil || labels == nil {
		return nil, fmt.Errorf("heads: wra requires %q, %q and %q in the batch", h.cfg.TxtPadKey, h.cfg.ImgPadKey, h.cfg.WRALabelKey)
	}

	bs := sequenceOutput.Dim(0)
	textLen := txtPad.Dim(1)
	imageLen := imgPad.Dim(1)
	hidden := sequenceOutput.Dim(2)
	if textLen+imageLen != sequenceOutput.Dim(1) {
		return nil, fmt.Errorf("heads: wra pads cover %d positions but the sequence has %d", textLen+imageLen, sequenceOutput.Dim(1))
	}

	seq := sequenceOutput.Floats()
	txtPadded := txtPad.Ints()
	imgPadded := imgPad.Ints()
	isCorrect := labels.Ints()

	var posSum, negSum float64
	var posN, negN int
	for b := 0; b < bs; b++ {
		rows := func(offset, n int, padded []int32) [][]float64 {
			var out [][]float64
			for i := 0; i < n; i++ {
				if padded[b*n+i] != 0 {
					continue
				}
				v := make([]float64, hidden)
				base := (b*(textLen+imageLen) + offset + i) * hidden
				for d := 0; d < hidden; d++ {
					v[d] = float64(seq[base+d])
				}
				if norm := floats.Norm(v, 2); norm > 0 {
					floats.Scale(1/norm, v)
				}
				out = append(out, v)
			}
			return out
		}

		txt := rows(0, textLen, txtPadded)
		img := rows(textLen, imageLen, imgPadded)
		if len(txt) == 0 || len(img) == 0 {
			continue
		}

		dist := h.transportDistance(txt, img)
		if isCorrect[b] != 0 {
			posSum += dist
			posN++
		} else {
			negSum += dist
			negN++
		}
	}

	var loss float64
	if posN > 0 {
		loss += posSum / float64(posN)
	}
	if negN > 0 {
		loss -= negSum / float64(negN)
	}

	return &Output{
		Losses: map[string]ml.Tensor{WRALossName: ml.Scalar(ctx, float32(loss))},
	}, nil
}

// transportDistance runs IPOT on the cosine cost matrix between the two
// point sets and returns <C, T>.
func (h *wra) transportDistance(txt, img [][]float64) float64 {
	n, m := len(txt), len(img)

	cost := make([][]float64, n)
	kernel := make([][]float64, n)
	plan := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, m)
		kernel[i] = make([]float64, m)
		plan[i] = make([]float64, m)
		for j := range cost[i] {
			cost[i][j] = 1 - floats.Dot(txt[i], img[j])
			kernel[i][j] = math.Exp(-cost[i][j] / h.beta)
			plan[i][j] = 1 / float64(n*m)
		}
	}

	sigma := make([]float64, m)
	for j := range sigma {
		sigma[j] = 1 / float64(m)
	}

	delta := make([]float64, n)
	q := make([][]float64, n)
	for i := range q {
		q[i] = make([]float64, m)
	}

	for range h.iterations {
		for i := range q {
			for j := range q[i] {
				q[i][j] = kernel[i][j] * plan[i][j]
			}
		}

		for i := range delta {
			delta[i] = 1 / (float64(n) * floats.Dot(q[i], sigma))
		}
		for j := range sigma {
			var dot float64
			for i := range q {
				dot += q[i][j] * delta[i]
			}
			sigma[j] = 1 / (float64(m) * dot)
		}

		for i := range plan {
			for j := range plan[i] {
				plan[i][j] = delta[i] * q[i][j] * sigma[j]
			}
		}
	}

	var dist float64
	for i := range cost {
		dist += floats.Dot(cost[i], plan[i])
	}

	return dist
}
