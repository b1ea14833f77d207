package nn

import (
	"fmt"

	"github.com/jmorganca/uniter/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T/√d_k + mask)V
//
// Parameters:
//   - query: (batch, heads, seq_len_q, d_k)
//   - key: (batch, heads, seq_len_k, d_k)
//   - value: (batch, heads, seq_len_k, d_v)
//   - scale: scaling factor, typically 1/√d_k
//   - mask: optional additive bias broadcastable to (batch, heads, seq_len_q, seq_len_k)
//
// Returns attention output with shape (batch, heads, seq_len_q, d_v).
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, mask ml.Tensor) ml.Tensor {
	if query.Dim(3) != key.Dim(3) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	kq := query.Matmul(ctx, key.Permute(ctx, 0, 1, 3, 2))
	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask.Cast(ctx, ml.DTypeF32))
	}
	kq = kq.Softmax(ctx)

	return kq.Matmul(ctx, value)
}
