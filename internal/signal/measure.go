package signal

import (
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// Window selects the tapering function applied before an FFT.
type Window string

const (
	WindowRectangular Window = "rectangular"
	WindowHann        Window = "hann"
	WindowHamming     Window = "hamming"
	WindowBlackman    Window = "blackman"
)

// Bin is one point of a magnitude spectrum.
type Bin struct {
	FrequencyHz float64 `json:"frequency_hz"`
	Magnitude   float64 `json:"magnitude"`
}

// Stats summarizes a voltage trace. StdDev is the population deviation.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Frequency estimates the dominant frequency of samples using mid-level
// crossings of consistent direction. interval is the sample spacing.
func Frequency(samples []float64, interval time.Duration) (float64, error) {
	const op = "signal.Frequency"
	if len(samples) < 2 {
		return 0, domain.E(domain.KindMeasurement, op, "insufficient crossings")
	}
	mid := stat.Mean(samples, nil)

	crossings := crossingTimes(samples, mid, true)
	if len(crossings) < 2 {
		crossings = crossingTimes(samples, mid, false)
	}
	if len(crossings) < 2 {
		return 0, domain.E(domain.KindMeasurement, op, "insufficient crossings")
	}

	var sum float64
	for i := 1; i < len(crossings); i++ {
		sum += crossings[i] - crossings[i-1]
	}
	period := sum / float64(len(crossings)-1) * interval.Seconds()
	if period <= 0 {
		return 0, domain.E(domain.KindMeasurement, op, "degenerate period")
	}
	return 1 / period, nil
}

// crossingTimes returns fractional sample indexes where the trace crosses
// level in the given direction, linearly interpolated between samples.
func crossingTimes(samples []float64, level float64, rising bool) []float64 {
	var out []float64
	for i := 0; i+1 < len(samples); i++ {
		a, b := samples[i]-level, samples[i+1]-level
		var hit bool
		if rising {
			hit = a < 0 && b >= 0
		} else {
			hit = a > 0 && b <= 0
		}
		if !hit {
			continue
		}
		frac := 0.0
		if b != a {
			frac = -a / (b - a)
		}
		out = append(out, float64(i)+frac)
	}
	return out
}

// PeakToPeak returns max-min over the trace.
func PeakToPeak(samples []float64) (float64, error) {
	if len(samples) == 0 {
		return 0, domain.E(domain.KindMeasurement, "signal.PeakToPeak", "empty waveform")
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo, nil
}

// RMS returns the root-mean-square of the trace.
func RMS(samples []float64) (float64, error) {
	if len(samples) == 0 {
		return 0, domain.E(domain.KindMeasurement, "signal.RMS", "empty waveform")
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples))), nil
}

// RiseTime measures the time between the trace crossing lowFrac and then
// highFrac of its peak-to-peak amplitude on a rising edge. Fractions
// default to 0.1/0.9 when zero.
func RiseTime(samples []float64, interval time.Duration, lowFrac, highFrac float64) (time.Duration, error) {
	const op = "signal.RiseTime"
	if lowFrac <= 0 {
		lowFrac = 0.1
	}
	if highFrac <= 0 {
		highFrac = 0.9
	}
	if highFrac <= lowFrac || highFrac >= 1 {
		return 0, domain.E(domain.KindMeasurement, op, "thresholds must satisfy 0 < low < high < 1")
	}
	if len(samples) < 2 {
		return 0, domain.E(domain.KindMeasurement, op, "empty waveform")
	}

	lo := samples[0]
	for _, v := range samples {
		if v < lo {
			lo = v
		}
	}
	pkpk, err := PeakToPeak(samples)
	if err != nil || pkpk == 0 {
		return 0, domain.E(domain.KindMeasurement, op, "no edge in waveform")
	}
	lowLevel := lo + lowFrac*pkpk
	highLevel := lo + highFrac*pkpk

	lows := crossingTimes(samples, lowLevel, true)
	highs := crossingTimes(samples, highLevel, true)
	for _, l := range lows {
		for _, h := range highs {
			if h > l {
				dt := (h - l) * interval.Seconds()
				return time.Duration(dt * float64(time.Second)), nil
			}
		}
	}
	return 0, domain.E(domain.KindMeasurement, op, "no qualifying rising edge")
}

// PulseWidth measures the time between consecutive opposite-direction
// crossings of threshold.
func PulseWidth(samples []float64, interval time.Duration, threshold float64) (time.Duration, error) {
	const op = "signal.PulseWidth"
	rises := crossingTimes(samples, threshold, true)
	falls := crossingTimes(samples, threshold, false)

	best := -1.0
	for _, r := range rises {
		for _, f := range falls {
			if f > r {
				best = f - r
				break
			}
		}
		if best > 0 {
			break
		}
	}
	if best <= 0 {
		for _, f := range falls {
			for _, r := range rises {
				if r > f {
					best = r - f
					break
				}
			}
			if best > 0 {
				break
			}
		}
	}
	if best <= 0 {
		return 0, domain.E(domain.KindMeasurement, op, "insufficient crossings")
	}
	return time.Duration(best * interval.Seconds() * float64(time.Second)), nil
}

// Spectrum computes the single-sided magnitude spectrum up to Nyquist.
func Spectrum(samples []float64, interval time.Duration, win Window) ([]Bin, error) {
	const op = "signal.Spectrum"
	n := len(samples)
	if n < 2 {
		return nil, domain.E(domain.KindMeasurement, op, "empty waveform")
	}
	if interval <= 0 {
		return nil, domain.E(domain.KindMeasurement, op, "sample interval must be positive")
	}

	seq := make([]float64, n)
	copy(seq, samples)
	switch win {
	case WindowHann:
		window.Hann(seq)
	case WindowHamming:
		window.Hamming(seq)
	case WindowBlackman:
		window.Blackman(seq)
	case WindowRectangular, "":
	default:
		return nil, domain.E(domain.KindMeasurement, op, "unknown window %q", win)
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, seq)

	fs := 1 / interval.Seconds()
	bins := make([]Bin, len(coeffs))
	for i, c := range coeffs {
		mag := cmplxAbs(c) / float64(n)
		// fold negative frequencies into the single-sided view; DC has no
		// mirror, and the top bin is an unmirrored Nyquist bin only for even n
		if i != 0 && (n%2 != 0 || i != len(coeffs)-1) {
			mag *= 2
		}
		bins[i] = Bin{
			FrequencyHz: float64(i) * fs / float64(n),
			Magnitude:   mag,
		}
	}
	return bins, nil
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// THD returns total harmonic distortion as a percentage: RMS of the
// harmonic bins over RMS of the fundamental. The fundamental is the
// largest non-DC bin.
func THD(samples []float64, interval time.Duration, win Window) (float64, error) {
	const op = "signal.THD"
	bins, err := Spectrum(samples, interval, win)
	if err != nil {
		return 0, err
	}

	fundIdx := 0
	for i := 1; i < len(bins); i++ {
		if fundIdx == 0 || bins[i].Magnitude > bins[fundIdx].Magnitude {
			fundIdx = i
		}
	}
	if fundIdx == 0 || bins[fundIdx].Magnitude <= 0 {
		return 0, domain.E(domain.KindMeasurement, op, "fundamental not identifiable (flat spectrum)")
	}

	fund := bins[fundIdx].Magnitude
	var harmSq float64
	for k := 2; k*fundIdx < len(bins); k++ {
		h := bins[k*fundIdx].Magnitude
		harmSq += h * h
	}
	return 100 * math.Sqrt(harmSq) / fund, nil
}

// Statistics returns min/max/mean/population-stddev of the trace.
func Statistics(samples []float64) (Stats, error) {
	if len(samples) == 0 {
		return Stats{}, domain.E(domain.KindMeasurement, "signal.Statistics", "empty waveform")
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return Stats{
		Min:    lo,
		Max:    hi,
		Mean:   stat.Mean(samples, nil),
		StdDev: stat.PopStdDev(samples, nil),
	}, nil
}
