package device

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
)

// Copy queues dst <- src. Both regions must have the same length.
func Copy[E any](s *Stream, dst, src Region[E]) {
	if err := dst.Valid(); err != nil {
		s.Fail("copy", err)
		return
	}
	if err := src.need(dst.Len); err != nil {
		s.Fail("copy", err)
		return
	}
	s.Launch("copy", func() error {
		copy(dst.Slice(), src.Slice()[:dst.Len])
		return nil
	})
}

// CopyFromHost queues an upload of src into dst. src must stay unchanged until
// the stream has executed the copy.
func CopyFromHost[E any](s *Stream, dst Region[E], src []E) {
	if err := dst.need(len(src)); err != nil {
		s.Fail("copy_h2d", err)
		return
	}
	s.Launch("copy_h2d", func() error {
		copy(dst.Slice(), src)
		return nil
	})
}

// Fill queues dst[i] = v for every element.
func Fill[E any](s *Stream, dst Region[E], v E) {
	if err := dst.Valid(); err != nil {
		s.Fail("fill", err)
		return
	}
	s.Launch("fill", func() error {
		d := dst.Slice()
		for i := range d {
			d[i] = v
		}
		return nil
	})
}

// EmbeddingLookup gathers tokenNum rows of width elements from table into dst.
func EmbeddingLookup[T dtype.Float](s *Stream, dst, table Region[T], ids Region[int32], tokenNum, width int) {
	if err := dst.need(tokenNum * width); err != nil {
		s.Fail("embedding_lookup", err)
		return
	}
	if err := ids.need(tokenNum); err != nil {
		s.Fail("embedding_lookup", err)
		return
	}
	if err := table.Valid(); err != nil {
		s.Fail("embedding_lookup", err)
		return
	}
	if width <= 0 || table.Len%width != 0 {
		s.Fail("embedding_lookup", fmt.Errorf("%w: table of %d elements is not a multiple of width %d", ErrInvalidRegion, table.Len, width))
		return
	}
	vocab := table.Len / width
	s.Launch("embedding_lookup", func() error {
		out := dst.Slice()
		w := table.Slice()
		for i, id := range ids.Slice()[:tokenNum] {
			if id < 0 || int(id) >= vocab {
				return fmt.Errorf("token id %d at %d out of range [0, %d)", id, i, vocab)
			}
			copy(out[i*width:(i+1)*width], w[int(id)*width:(int(id)+1)*width])
		}
		return nil
	})
}

// Transpose102 permutes src laid out [d0][d1][d2] into dst laid out
// [d1][d0][d2].
func Transpose102[E any](s *Stream, dst, src Region[E], d0, d1, d2 int) {
	transpose01(s, "transpose_102", dst, src, d0, d1, d2)
}

// TransposeAxis01 is Transpose102 under the name used for logits gathering.
func TransposeAxis01[E any](s *Stream, dst, src Region[E], d0, d1, d2 int) {
	transpose01(s, "transpose_axis01", dst, src, d0, d1, d2)
}

func transpose01[E any](s *Stream, name string, dst, src Region[E], d0, d1, d2 int) {
	n := d0 * d1 * d2
	if err := dst.need(n); err != nil {
		s.Fail(name, err)
		return
	}
	if err := src.need(n); err != nil {
		s.Fail(name, err)
		return
	}
	if dst.Buf == src.Buf && dst.Off < src.Off+n && src.Off < dst.Off+n {
		s.Fail(name, fmt.Errorf("%w: transpose regions overlap", ErrInvalidRegion))
		return
	}
	s.Launch(name, func() error {
		in := src.Slice()
		out := dst.Slice()
		for i := 0; i < d0; i++ {
			for j := 0; j < d1; j++ {
				copy(out[(j*d0+i)*d2:(j*d0+i+1)*d2], in[(i*d1+j)*d2:(i*d1+j+1)*d2])
			}
		}
		return nil
	})
}

// Gemm queues C = A * B^T where A is m x k, B is n x k (both dense row-major)
// and C is m x n with row stride ldc. Columns of C outside [0, n) are left
// untouched.
func Gemm[T dtype.Float](s *Stream, c Region[T], ldc int, a, b Region[T], m, n, k int) {
	if m == 0 || n == 0 {
		return
	}
	if ldc < n {
		s.Fail("gemm", fmt.Errorf("%w: ldc %d < n %d", ErrInvalidRegion, ldc, n))
		return
	}
	if err := a.need(m * k); err != nil {
		s.Fail("gemm", err)
		return
	}
	if err := b.need(n * k); err != nil {
		s.Fail("gemm", err)
		return
	}
	if err := c.need((m-1)*ldc + n); err != nil {
		s.Fail("gemm", err)
		return
	}
	s.Launch("gemm", func() error {
		A := blas32.General{Rows: m, Cols: k, Stride: k, Data: widen(a.Slice()[:m*k])}
		B := blas32.General{Rows: n, Cols: k, Stride: k, Data: widen(b.Slice()[:n*k])}
		if out, ok := any(c.Slice()).([]float32); ok {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, A, B, 0, blas32.General{Rows: m, Cols: n, Stride: ldc, Data: out})
			return nil
		}
		tmp := make([]float32, m*n)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, A, B, 0, blas32.General{Rows: m, Cols: n, Stride: n, Data: tmp})
		out := c.Slice()
		for i := 0; i < m; i++ {
			dtype.FromFloat32(out[i*ldc:i*ldc+n], tmp[i*n:(i+1)*n])
		}
		return nil
	})
}

func widen[T dtype.Float](src []T) []float32 {
	if f, ok := any(src).([]float32); ok {
		return f
	}
	out := make([]float32, len(src))
	dtype.ToFloat32(out, src)
	return out
}

// RMSNorm normalizes rows of width elements of src into dst and scales by
// weight.
func RMSNorm[T dtype.Float](s *Stream, dst, src, weight Region[T], rows, width int, eps float32) {
	if err := dst.need(rows * width); err != nil {
		s.Fail("rmsnorm", err)
		return
	}
	if err := src.need(rows * width); err != nil {
		s.Fail("rmsnorm", err)
		return
	}
	if err := weight.need(width); err != nil {
		s.Fail("rmsnorm", err)
		return
	}
	s.Launch("rmsnorm", func() error {
		in := widen(src.Slice()[:rows*width])
		w := widen(weight.Slice()[:width])
		out := make([]float32, rows*width)
		for row := 0; row < rows; row++ {
			off := row * width
			var sum float32
			for j := 0; j < width; j++ {
				v := in[off+j]
				sum += v * v
			}
			scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(width))+float64(eps)))
			for j := 0; j < width; j++ {
				out[off+j] = in[off+j] * scale * w[j]
			}
		}
		dtype.FromFloat32(dst.Slice()[:rows*width], out)
		return nil
	})
}

// CountAndFix scans r for NaN and Inf, reports them under name and, with fix
// set, replaces them with zero.
func CountAndFix[T dtype.Float](s *Stream, r Region[T], name string, fix bool) {
	if err := r.Valid(); err != nil {
		s.Fail("count_and_fix", err)
		return
	}
	s.Launch("count_and_fix", func() error {
		data := r.Slice()
		vals := widen(data)
		nans, infs := 0, 0
		var zero T
		for i, v := range vals {
			switch {
			case math.IsNaN(float64(v)):
				nans++
			case math.IsInf(float64(v), 0):
				infs++
			default:
				continue
			}
			if fix {
				data[i] = zero
			}
		}
		if nans > 0 || infs > 0 {
			metrics.RecordNumericalInstability(name, nans, infs)
			logger.Log.Warn("non-finite values", "tensor", name, "nan", nans, "inf", infs, "fixed", fix)
		}
		return nil
	})
}
