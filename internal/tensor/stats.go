package tensor

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelStats summarises one channel of a blob across N, H and W.
type ChannelStats struct {
	Channel int
	Mean    float64
	StdDev  float64
	Min     float64
	Max     float64
	NaN     int
}

// Stats computes per-channel statistics. NaN values are counted and skipped.
func Stats(b *Blob) []ChannelStats {
	s := b.Shape
	out := make([]ChannelStats, s.C)
	buf := make([]float64, 0, s.N*s.Spatial())
	for c := 0; c < s.C; c++ {
		buf = buf[:0]
		nan := 0
		for n := 0; n < s.N; n++ {
			base := b.Offset(n, c, 0, 0)
			for _, v := range b.Data[base : base+s.Spatial()] {
				if math.IsNaN(float64(v)) {
					nan++
					continue
				}
				buf = append(buf, float64(v))
			}
		}
		cs := ChannelStats{Channel: c, NaN: nan}
		if len(buf) > 0 {
			cs.Mean, cs.StdDev = stat.MeanStdDev(buf, nil)
			if len(buf) == 1 {
				cs.StdDev = 0
			}
			cs.Min = floats.Min(buf)
			cs.Max = floats.Max(buf)
		}
		out[c] = cs
	}
	return out
}

// LabelCount is one entry of a label histogram.
type LabelCount struct {
	Label int
	Count int
}

// Histogram counts the integer labels stored in a single-channel label blob,
// ordered by descending count then ascending label. Negative labels mark
// unfilled slots and are skipped.
func Histogram(b *Blob) []LabelCount {
	counts := make(map[int]int)
	for _, v := range b.Data {
		l := int(v)
		if l < 0 {
			continue
		}
		counts[l]++
	}
	out := make([]LabelCount, 0, len(counts))
	for l, c := range counts {
		out = append(out, LabelCount{Label: l, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Entropy returns the Shannon entropy (nats) of a label histogram, a quick
// measure of how evenly the encoder spreads values across bins.
func Entropy(h []LabelCount) float64 {
	if len(h) == 0 {
		return 0
	}
	p := make([]float64, len(h))
	for i, lc := range h {
		p[i] = float64(lc.Count)
	}
	total := floats.Sum(p)
	if total == 0 {
		return 0
	}
	floats.Scale(1/total, p)
	return stat.Entropy(p)
}
