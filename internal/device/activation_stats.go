package device

import (
	"math"

	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
)

// ActivationStats summarizes the finite values of a region.
type ActivationStats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32 // first values, at most 32
}

// Stats computes ActivationStats over vals on the host.
func Stats[T dtype.Float](vals []T, sampleSize int) ActivationStats {
	data := widen(vals)
	var st ActivationStats
	first := true
	var sum, sumSq float64
	for _, v := range data {
		switch {
		case math.IsNaN(float64(v)):
			st.NaNs++
			continue
		case math.IsInf(float64(v), 0):
			st.Infs++
			continue
		}
		if v == 0 {
			st.Zeros++
		}
		if first || v > st.Max {
			st.Max = v
		}
		if first || v < st.Min {
			st.Min = v
		}
		first = false
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	if n := len(data) - st.NaNs - st.Infs; n > 0 {
		st.Mean = float32(sum / float64(n))
		st.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}
	limit := min(sampleSize, 32, len(data))
	st.Sample = append([]float32(nil), data[:max(limit, 0)]...)
	return st
}

// ReportStats logs the statistics of r at debug level once preceding work on s
// is done.
func ReportStats[T dtype.Float](s *Stream, r Region[T], name string) {
	if err := r.Valid(); err != nil {
		s.Fail("activation_stats", err)
		return
	}
	s.Launch("activation_stats", func() error {
		st := Stats(r.Slice(), 8)
		logger.Log.Debug("activation stats",
			"tensor", name,
			"device", s.ctx.device,
			"max", st.Max,
			"min", st.Min,
			"mean", st.Mean,
			"rms", st.RMS,
			"zeros", st.Zeros,
			"nan", st.NaNs,
			"inf", st.Infs,
			"sample", st.Sample)
		return nil
	})
}
