// Package loadpattern compiles declarative load segments into a
// piecewise-linear rate curve that can be sampled and integrated.
package loadpattern

import (
	"math"
	"sort"
	"time"

	"github.com/torosent/pewpew/internal/config"
)

// segment is one compiled linear piece: rate runs from fromRate to toRate
// in requests per second over [start, start+duration).
type segment struct {
	start    time.Duration
	duration time.Duration
	fromRate float64
	toRate   float64
}

// Pattern is a compiled load pattern: a piecewise-linear function from
// elapsed test time to requests per second. The zero value is the empty
// pattern, which is 0 everywhere.
type Pattern struct {
	segments []segment
	duration time.Duration
	maxRate  float64
}

// Compile multiplies the percent-of-peak segments by peak and resolves the
// implicit From chaining: the first segment starts from 0% and every later
// one from its predecessor's To, unless an explicit From is given.
// Zero-duration segments are dropped.
func Compile(segs []config.LoadSegment, peak config.Rate) *Pattern {
	p := &Pattern{}
	var offset time.Duration
	prevTo := config.Percentage(0)
	for _, s := range segs {
		from := prevTo
		if s.From != nil {
			from = *s.From
		}
		prevTo = s.To
		if s.Over <= 0 {
			continue
		}
		seg := segment{
			start:    offset,
			duration: s.Over.Duration(),
			fromRate: float64(from) * float64(peak),
			toRate:   float64(s.To) * float64(peak),
		}
		p.segments = append(p.segments, seg)
		p.maxRate = math.Max(p.maxRate, math.Max(seg.fromRate, seg.toRate))
		offset += s.Over.Duration()
	}
	p.duration = offset
	return p
}

// Empty reports whether the pattern has no runnable segments.
func (p *Pattern) Empty() bool { return p == nil || len(p.segments) == 0 }

// Duration returns the total length of the pattern.
func (p *Pattern) Duration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}

// MaxRate returns the highest rate the pattern ever reaches.
func (p *Pattern) MaxRate() float64 {
	if p == nil {
		return 0
	}
	return p.maxRate
}

// RateAt samples the curve at the given elapsed time. Outside [0, Duration)
// the rate is 0. Lookup is a binary search over segment offsets.
func (p *Pattern) RateAt(elapsed time.Duration) float64 {
	if p.Empty() || elapsed < 0 || elapsed >= p.duration {
		return 0
	}
	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].start > elapsed
	}) - 1
	if i < 0 {
		return 0
	}
	return p.segments[i].rateAt(elapsed)
}

func (s segment) rateAt(elapsed time.Duration) float64 {
	progress := float64(elapsed-s.start) / float64(s.duration)
	return s.fromRate + (s.toRate-s.fromRate)*progress
}

// area returns the integral of the segment's rate over [a, b], both clamped
// to the segment bounds and given as absolute elapsed times.
func (s segment) area(a, b time.Duration) float64 {
	end := s.start + s.duration
	if a < s.start {
		a = s.start
	}
	if b > end {
		b = end
	}
	if b <= a {
		return 0
	}
	// Trapezoid: mean of the endpoint rates times the width.
	mean := (s.rateAt(a) + s.rateAt(b)) / 2
	return mean * (float64(b-a) / float64(time.Second))
}

// Integral returns the number of requests the curve calls for over [a, b].
func (p *Pattern) Integral(a, b time.Duration) float64 {
	if p.Empty() || b <= a {
		return 0
	}
	var total float64
	for _, s := range p.segments {
		if s.start >= b {
			break
		}
		total += s.area(a, b)
	}
	return total
}

// NextInstant returns the earliest elapsed time t >= from at which the
// integral of the curve over [from, t] reaches credit. The second return is
// false when the pattern ends before that much area accumulates.
func (p *Pattern) NextInstant(from time.Duration, credit float64) (time.Duration, bool) {
	if p.Empty() || credit <= 0 {
		return from, !p.Empty() && from < p.duration
	}
	remaining := credit
	for _, s := range p.segments {
		end := s.start + s.duration
		if end <= from {
			continue
		}
		a := from
		if a < s.start {
			a = s.start
		}
		area := s.area(a, end)
		if area < remaining {
			remaining -= area
			continue
		}
		return a + s.solve(a, remaining), true
	}
	return 0, false
}

// solve returns the offset x past a (within the segment) at which the
// integral from a reaches the wanted area. Callers guarantee the segment
// holds at least that much area past a.
func (s segment) solve(a time.Duration, area float64) time.Duration {
	r0 := s.rateAt(a)
	slope := (s.toRate - s.fromRate) / (float64(s.duration) / float64(time.Second))
	var seconds float64
	if math.Abs(slope) < 1e-12 {
		seconds = area / r0
	} else {
		// area = r0*x + slope*x^2/2; take the positive root.
		seconds = (-r0 + math.Sqrt(r0*r0+2*slope*area)) / slope
	}
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
